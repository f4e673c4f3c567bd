package capture

import "fmt"

// DeviceError reports a capture-device failure (permission denied, hardware
// missing). It is fatal to that capture path only and is never retried
// automatically.
type DeviceError struct {
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s device: %v", e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}
