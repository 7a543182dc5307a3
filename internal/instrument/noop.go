package instrument

// NoopRecorder discards all decisions. Used when audit or the database is
// disabled.
type NoopRecorder struct{}

func (NoopRecorder) Record(Decision) {}
