package record

// Compile-time checks that every backend satisfies Recorder.

var _ Recorder = (*sqliteWriter)(nil)
var _ Recorder = (*ClickHouseRecorder)(nil)
var _ Recorder = Nop{}
