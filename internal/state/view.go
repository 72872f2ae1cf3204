package state

import (
	"github.com/roach88/polycentric/internal/model"
)

// View is the human-facing summary of a SystemState used by the CLI and
// scenario snapshots.
type View struct {
	Username    string   `json:"username" yaml:"username"`
	Description string   `json:"description" yaml:"description"`
	Avatar      string   `json:"avatar,omitempty" yaml:"avatar,omitempty"`
	Banner      string   `json:"banner,omitempty" yaml:"banner,omitempty"`
	Servers     []string `json:"servers" yaml:"servers"`
	Following   []string `json:"following" yaml:"following"`
	Processes   int      `json:"processes" yaml:"processes"`
}

// View summarizes s.
func (s *SystemState) View() View {
	v := View{
		Username:    s.Username(),
		Description: s.Description(),
		Servers:     s.Servers(),
		Following:   []string{},
		Processes:   len(s.Processes),
	}
	if p, ok := s.Avatar(); ok {
		v.Avatar = p.String()
	}
	if p, ok := s.Banner(); ok {
		v.Banner = p.String()
	}
	for _, k := range s.Following() {
		v.Following = append(v.Following, k.String())
	}
	return v
}

// OpinionOf is a convenience for reading an opinion on a pointer subject.
func (s *SystemState) OpinionOf(p model.Pointer) model.Opinion {
	return s.Opinion(model.PointerReference(p))
}
