package watch

import (
	"strings"
	"time"
)

// Pulse lights up on events and fades over the following ten seconds.
type Pulse struct {
	level     int
	lastEvent time.Time
}

const pulseWidth = 5

func (p *Pulse) OnEvent(at time.Time) {
	p.level = pulseWidth
	p.lastEvent = at
}

// Decay dims the pulse by one dot per two seconds of silence.
func (p *Pulse) Decay(now time.Time) {
	if p.level == 0 {
		return
	}
	p.level = max(0, pulseWidth-int(now.Sub(p.lastEvent)/(2*time.Second)))
}

func (p Pulse) Render(theme Theme) string {
	var b strings.Builder
	for i := range pulseWidth {
		if i < p.level {
			b.WriteString(theme.PulseActive.Render("●"))
		} else {
			b.WriteString(theme.PulseInactive.Render("○"))
		}
	}
	return b.String()
}

func (p Pulse) LastEvent() time.Time {
	return p.lastEvent
}
