package tts

// Guard is the snapshot of turn-controller state a synthesized chunk must
// be re-checked against immediately before it is sent, so that an abort
// racing with an in-flight synthesis call drops the result silently
// instead of sending stale audio (spec §4.6 "guard before send").
type Guard struct {
	OutputActive  bool
	CurrentU      uint32
	ActiveOutputU uint32
	LocalEpoch    uint64
	TTSEpoch      uint64
	TTSAllowedU   uint32
}

// Allowed reports whether a chunk synthesized under this Guard may still
// be sent. All four conditions must hold.
func (g Guard) Allowed() bool {
	return g.OutputActive &&
		g.CurrentU == g.ActiveOutputU &&
		g.LocalEpoch == g.TTSEpoch &&
		g.TTSAllowedU == g.CurrentU
}
