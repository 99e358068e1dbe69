package hal

import "testing"

func TestZoomCrop(t *testing.T) {
	crop := ZoomCrop(1280, 960, 1)
	if crop.NeedsCrop() {
		t.Errorf("zoom 1 needs crop: %+v", crop)
	}

	crop = ZoomCrop(1280, 960, 3)
	if crop.InWidth != 1280 || crop.InHeight != 960 {
		t.Errorf("input size = %dx%d", crop.InWidth, crop.InHeight)
	}
	if crop.OutWidth != 426 || crop.OutHeight != 320 {
		t.Errorf("output size = %dx%d, want 426x320", crop.OutWidth, crop.OutHeight)
	}
	if !crop.NeedsCrop() {
		t.Error("zoom 3 does not need crop")
	}
}
