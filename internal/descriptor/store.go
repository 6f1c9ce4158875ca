package descriptor

// ViewKind distinguishes a node-local storage tier from a globally shared
// one (spec.md §3 "view tag ∈ {node-local, global}").
type ViewKind int

const (
	ViewNodeLocal ViewKind = iota
	ViewGlobal
)

// Store is a named storage tier: a base directory, a retention count, the
// mover transfer type to use for this tier, its view, and the group of
// processes that share access to it (spec.md §3).
type Store struct {
	Name         string
	BasePath     string
	MaxCount     int
	TransferType string
	View         ViewKind
	Group        *Group
}

// Scheme names the four redundancy variants of spec.md §4.5.
type Scheme int

const (
	SchemeSingle Scheme = iota
	SchemePartner
	SchemeXOR
	SchemeRS
)

func (s Scheme) String() string {
	switch s {
	case SchemeSingle:
		return "SINGLE"
	case SchemePartner:
		return "PARTNER"
	case SchemeXOR:
		return "XOR"
	case SchemeRS:
		return "RS"
	default:
		return "UNKNOWN"
	}
}

// ParseScheme maps an SCR_COPY_TYPE configuration value to a Scheme.
func ParseScheme(s string) (Scheme, bool) {
	switch s {
	case "SINGLE":
		return SchemeSingle, true
	case "PARTNER":
		return SchemePartner, true
	case "XOR":
		return SchemeXOR, true
	case "RS":
		return SchemeRS, true
	default:
		return 0, false
	}
}

// Redundancy binds a scheme to a store and a group, parameterized per
// spec.md §3.
type Redundancy struct {
	Store    *Store
	Group    *Group
	Scheme   Scheme
	SetSize  int // k: data shards per encoded set
	Failures int // m: parity shards / tolerated losses
	Interval int // apply only when checkpoint-id mod interval == 0
	Enabled  bool
	Output   bool // preferred for non-checkpoint output datasets
	Bypass   bool // files live directly in the prefix directory
}

// Select implements the redundancy-descriptor selection rule of spec.md
// §4.4:
//
//  1. If the dataset is flagged output and any enabled descriptor has
//     Output=true, pick the first such.
//  2. Else if the dataset is a checkpoint, pick the enabled descriptor with
//     the largest Interval dividing checkpointID.
//  3. Else pick the first enabled descriptor with Interval==1.
//
// Failure to find one is fatal at init per spec.md §4.4: a descriptor with
// Interval==1 must exist among descs, so callers should validate this at
// startup rather than relying on Select's ok=false here.
func Select(descs []*Redundancy, isOutput, isCheckpoint bool, checkpointID int) (*Redundancy, bool) {
	if isOutput {
		for _, d := range descs {
			if d.Enabled && d.Output {
				return d, true
			}
		}
	}
	if isCheckpoint {
		var best *Redundancy
		for _, d := range descs {
			if !d.Enabled || d.Interval <= 0 {
				continue
			}
			if checkpointID%d.Interval != 0 {
				continue
			}
			if best == nil || d.Interval > best.Interval {
				best = d
			}
		}
		if best != nil {
			return best, true
		}
	}
	for _, d := range descs {
		if d.Enabled && d.Interval == 1 {
			return d, true
		}
	}
	return nil, false
}
