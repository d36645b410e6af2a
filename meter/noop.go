package meter

import "github.com/stixly/stickergen"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ stickergen.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnAdmission(stickergen.AdmissionEvent) {}
func (m *NoopMeter) OnJob(stickergen.JobEvent)             {}
