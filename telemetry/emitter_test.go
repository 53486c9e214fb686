package telemetry

var (
	_ Emitter = (*NullEmitter)(nil)
	_ Emitter = (*LogEmitter)(nil)
	_ Emitter = (*BufferedEmitter)(nil)
	_ Emitter = (*OTelEmitter)(nil)
)
