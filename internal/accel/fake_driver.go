package accel

import "context"

// FakeDriver is a test/dev Driver returning a fixed device list, or an
// error when Err is set. It lets tests exercise both multi-GPU and
// CPU-only (zero-device) code paths deterministically.
type FakeDriver struct {
	Devices []Descriptor
	Err     error
}

func (f *FakeDriver) Discover(_ context.Context) ([]Descriptor, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Devices, nil
}
