package watcher

// Notifying returns true if filesystem notifications are used to detect changes of the schema.
func (r *Registration) Notifying() bool {
	return r.notifying.Load()
}
