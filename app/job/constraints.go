package job

import "strings"

// Constraints is a set of execution conditions, each flag independent
type Constraints uint8

// constraint flags
const (
	Unmetered    Constraints = 1 << iota // unmetered network required
	Connectivity                         // any network required
	Idle                                 // host idle required
	Charging                             // external power required
)

// Has reports whether all flags in c2 are set
func (c Constraints) Has(c2 Constraints) bool { return c&c2 == c2 }

// With returns c with flags added
func (c Constraints) With(c2 Constraints) Constraints { return c | c2 }

// Without returns c with flags cleared
func (c Constraints) Without(c2 Constraints) Constraints { return c &^ c2 }

func (c Constraints) String() string {
	names := []string{}
	for _, f := range []struct {
		flag Constraints
		name string
	}{{Unmetered, "unmetered"}, {Connectivity, "connectivity"}, {Idle, "idle"}, {Charging, "charging"}} {
		if c.Has(f.flag) {
			names = append(names, f.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}
