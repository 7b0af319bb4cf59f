package device

// SetHooks installs the engine callbacks. Devices are built at configuration
// time, before the engine exists, so the hookup happens late.
func (d *Device) SetHooks(h Hooks) {
	d.hooks = h
}
