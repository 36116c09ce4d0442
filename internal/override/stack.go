package override

import (
	"math"
	"sort"

	"github.com/rs/zerolog"
)

// Pass selects which layers a commit writes
type Pass int

const (
	// PassPostUpdate runs right after the animation update and writes every
	// layer: saved values, lip-sync, persistent expressions.
	PassPostUpdate Pass = iota
	// PassPreCommit runs right before the final transform commit and
	// re-applies lip-sync and persistent expressions only.
	PassPreCommit
)

func (p Pass) String() string {
	if p == PassPreCommit {
		return "pre-commit"
	}
	return "post-update"
}

// Config names the reserved control groups
type Config struct {
	Epsilon            float64  `mapstructure:"epsilon" yaml:"epsilon"`
	LipSyncControls    []string `mapstructure:"lipsync_controls" yaml:"lipsync_controls"`
	MouthShapeControl  string   `mapstructure:"mouth_shape_control" yaml:"mouth_shape_control"`
	VisibilityControls []string `mapstructure:"visibility_controls" yaml:"visibility_controls"`
}

// DefaultConfig returns the standard puppet control names
func DefaultConfig() Config {
	return Config{
		Epsilon: DefaultEpsilon,
		LipSyncControls: []string{
			"ParamMouthOpenY", "ParamMouthForm", "ParamMouthOpen",
			"ParamA", "ParamI", "ParamU", "ParamE", "ParamO",
		},
		MouthShapeControl:  "ParamMouthForm",
		VisibilityControls: []string{"ParamOpacity", "ParamVisibility"},
	}
}

// Entry is a desired value for one control
type Entry struct {
	Control string  `json:"Id"`
	Value   float64 `json:"Value"`
}

// Expression is a named set of entries held for as long as it is applied
type Expression struct {
	Name    string
	Entries []Entry
}

// Stack composes saved values, lip-sync and persistent expressions into
// one write pass with fixed precedence. Later layers overwrite earlier ones:
// saved values first, then lip-sync, then persistent expressions, which skip
// lip-sync controls so the mouth always follows the audio.
type Stack struct {
	cfg    Config
	logger zerolog.Logger

	lipSync    map[string]bool
	mouthSet   map[string]bool
	visibility map[string]bool

	saved      map[string]float64
	savedOrder []string
	applySaved bool

	persistent    []Expression
	persistentIDs map[string]bool
	backup        map[string]float64
	backupOrder   []string

	mouth float64
	pre   map[string]float64

	skipped uint64
}

// NewStack creates an empty stack
func NewStack(cfg Config, logger zerolog.Logger) *Stack {
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = DefaultEpsilon
	}
	s := &Stack{
		cfg:           cfg,
		logger:        logger.With().Str("component", "override").Logger(),
		lipSync:       toSet(cfg.LipSyncControls),
		visibility:    toSet(cfg.VisibilityControls),
		saved:         make(map[string]float64),
		applySaved:    true,
		persistentIDs: make(map[string]bool),
		backup:        make(map[string]float64),
		pre:           make(map[string]float64),
	}
	return s
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// IsLipSync reports whether name is a lip-sync control, either configured
// or registered with SetMouthControls
func (s *Stack) IsLipSync(name string) bool {
	return s.lipSync[name] || s.mouthSet[name]
}

// SetMouthControls registers the expressions an external lip-sync driver
// writes, so that persistent and saved layers leave them alone. A nil
// slice clears the registration.
func (s *Stack) SetMouthControls(names []string) {
	if len(names) == 0 {
		s.mouthSet = nil
		return
	}
	s.mouthSet = toSet(names)
}

// SetMouthOpenness sets the lip-sync value, clamped to [0, 1]. Non-finite
// input closes the mouth.
func (s *Stack) SetMouthOpenness(v float64) {
	if !finite(v) {
		v = 0
	}
	s.mouth = math.Max(0, math.Min(1, v))
}

// MouthOpenness returns the current lip-sync value
func (s *Stack) MouthOpenness() float64 {
	return s.mouth
}

// SetSavedParameters replaces the saved value set. Non-finite values are
// dropped; the number dropped is returned.
func (s *Stack) SetSavedParameters(params map[string]float64) int {
	s.saved = make(map[string]float64, len(params))
	s.savedOrder = s.savedOrder[:0]
	s.pre = make(map[string]float64, len(params))

	dropped := 0
	for name, v := range params {
		if !finite(v) {
			dropped++
			continue
		}
		s.saved[name] = v
		s.savedOrder = append(s.savedOrder, name)
	}
	sort.Strings(s.savedOrder)
	return dropped
}

// SavedParameters returns a copy of the saved value set
func (s *Stack) SavedParameters() map[string]float64 {
	out := make(map[string]float64, len(s.saved))
	for k, v := range s.saved {
		out[k] = v
	}
	return out
}

// SetSavedEnabled toggles per-frame re-application of saved values
func (s *Stack) SetSavedEnabled(enabled bool) {
	s.applySaved = enabled
}

// ClearSavedParameters forgets the saved value set
func (s *Stack) ClearSavedParameters() {
	s.SetSavedParameters(nil)
}

// savedEligible reports whether a saved value may be written to name
func (s *Stack) savedEligible(name string) bool {
	return !s.IsLipSync(name) && !s.visibility[name] && !s.persistentIDs[name]
}

// ApplySavedParameters writes the saved values once, directly. Visibility
// and persistent-expression controls are skipped so a stale calibration can
// never hide the model or undo a resident expression.
func (s *Stack) ApplySavedParameters(w ControlWriter) int {
	written := 0
	for _, name := range s.savedOrder {
		if s.persistentIDs[name] || s.visibility[name] {
			continue
		}
		i, ok := w.Index(name)
		if !ok {
			s.skip(name)
			continue
		}
		w.SetAt(i, s.saved[name])
		written++
	}
	return written
}

// ApplyPersistentExpression adds expr to the persistent set and writes it
// immediately. The current values of the controls it touches are backed up
// the first time any expression touches them.
func (s *Stack) ApplyPersistentExpression(w ControlWriter, expr Expression) {
	entries := make([]Entry, 0, len(expr.Entries))
	for _, e := range expr.Entries {
		if finite(e.Value) {
			entries = append(entries, e)
		}
	}
	expr.Entries = entries

	for _, e := range expr.Entries {
		if s.IsLipSync(e.Control) {
			continue
		}
		if _, done := s.backup[e.Control]; !done {
			if i, ok := w.Index(e.Control); ok {
				s.backup[e.Control] = w.ValueAt(i)
				s.backupOrder = append(s.backupOrder, e.Control)
			}
		}
	}

	replaced := false
	for i, existing := range s.persistent {
		if existing.Name == expr.Name {
			s.persistent[i] = expr
			replaced = true
			break
		}
	}
	if !replaced {
		s.persistent = append(s.persistent, expr)
	}
	s.rebuildPersistentIDs()

	s.writePersistent(w)
}

// ClearPersistentExpressions restores the backed-up values and empties the
// persistent set.
func (s *Stack) ClearPersistentExpressions(w ControlWriter) {
	if w != nil {
		for _, name := range s.backupOrder {
			if i, ok := w.Index(name); ok {
				w.SetAt(i, s.backup[name])
			}
		}
	}
	s.persistent = nil
	s.persistentIDs = make(map[string]bool)
	s.backup = make(map[string]float64)
	s.backupOrder = nil
}

// PersistentNames lists the applied persistent expressions in order
func (s *Stack) PersistentNames() []string {
	names := make([]string, len(s.persistent))
	for i, e := range s.persistent {
		names[i] = e.Name
	}
	return names
}

// PersistentControls returns the set of controls held by persistent
// expressions
func (s *Stack) PersistentControls() map[string]bool {
	out := make(map[string]bool, len(s.persistentIDs))
	for k := range s.persistentIDs {
		out[k] = true
	}
	return out
}

func (s *Stack) rebuildPersistentIDs() {
	s.persistentIDs = make(map[string]bool)
	for _, expr := range s.persistent {
		for _, e := range expr.Entries {
			s.persistentIDs[e.Control] = true
		}
	}
}

// CaptureBaseline records the pre-update values of the saved controls. It
// runs right before the animation update.
func (s *Stack) CaptureBaseline(w ControlWriter) {
	if !s.applySaved || len(s.saved) == 0 {
		return
	}
	for _, name := range s.savedOrder {
		if i, ok := w.Index(name); ok {
			s.pre[name] = w.ValueAt(i)
		} else {
			delete(s.pre, name)
		}
	}
}

// Commit writes the layers selected by pass. Unknown controls are skipped.
func (s *Stack) Commit(w ControlWriter, pass Pass) {
	if pass == PassPostUpdate {
		s.writeSaved(w)
	}
	s.writeMouth(w)
	s.writePersistent(w)
}

// WriteMouth performs an immediate lip-sync write outside the commit passes
func (s *Stack) WriteMouth(w ControlWriter) {
	s.writeMouth(w)
}

func (s *Stack) writeSaved(w ControlWriter) {
	if !s.applySaved {
		return
	}
	for _, name := range s.savedOrder {
		if !s.savedEligible(name) {
			continue
		}
		i, ok := w.Index(name)
		if !ok {
			s.skip(name)
			continue
		}
		post := w.ValueAt(i)
		pre, seen := s.pre[name]
		if !seen {
			pre = post
		}
		w.SetAt(i, Resolve(pre, post, s.saved[name], w.DefaultAt(i), s.cfg.Epsilon))
	}
}

func (s *Stack) writeMouth(w ControlWriter) {
	for _, name := range s.cfg.LipSyncControls {
		if name == s.cfg.MouthShapeControl {
			continue
		}
		if i, ok := w.Index(name); ok {
			w.SetAt(i, s.mouth)
		}
	}
}

func (s *Stack) writePersistent(w ControlWriter) {
	for _, expr := range s.persistent {
		for _, e := range expr.Entries {
			if s.IsLipSync(e.Control) {
				continue
			}
			i, ok := w.Index(e.Control)
			if !ok {
				s.skip(e.Control)
				continue
			}
			w.SetAt(i, e.Value)
		}
	}
}

func (s *Stack) skip(name string) {
	s.skipped++
	if s.skipped%100 == 1 {
		s.logger.Debug().Str("control", name).Uint64("skipped", s.skipped).Msg("unknown control skipped")
	}
}

// Skipped returns how many writes were skipped for unknown controls
func (s *Stack) Skipped() uint64 {
	return s.skipped
}

// Reset forgets every layer, as on a model swap
func (s *Stack) Reset() {
	s.ClearPersistentExpressions(nil)
	s.ClearSavedParameters()
	s.mouth = 0
	s.mouthSet = nil
	s.skipped = 0
}
