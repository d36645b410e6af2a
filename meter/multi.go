package meter

import "github.com/stixly/stickergen"

// Multi fans every event out to each meter in order.
type Multi []stickergen.Meter

var _ stickergen.Meter = (Multi)(nil)

func (m Multi) OnAdmission(e stickergen.AdmissionEvent) {
	for _, mt := range m {
		mt.OnAdmission(e)
	}
}

func (m Multi) OnJob(e stickergen.JobEvent) {
	for _, mt := range m {
		mt.OnJob(e)
	}
}
