package op

import (
	"fmt"

	"github.com/ariyn/wake/internal/wake/types"
)

// Side identifies a join input. It doubles as the input port number.
type Side int

const (
	Left  Side = 0
	Right Side = 1
)

func (s Side) String() string {
	if s == Left {
		return "left"
	}
	return "right"
}

func (s Side) other() Side { return 1 - s }

// JoinConfig holds the equi-join key columns of each side.
type JoinConfig struct {
	LeftOn  []string `yaml:"left_on" koanf:"left_on"`
	RightOn []string `yaml:"right_on" koanf:"right_on"`
}

// HashJoin is a symmetric incremental inner equi-join. Each side keeps an
// index of every row it has seen so that late arrivals on the other side
// still match. Rows with a NULL key never match.
type HashJoin struct {
	on      [2][]string
	index   [2]map[string][]types.Tuple
	columns [2][]string

	leftKeys map[string]struct{}
}

// NewHashJoin validates the key lists.
func NewHashJoin(cfg JoinConfig) (*HashJoin, error) {
	if len(cfg.LeftOn) == 0 || len(cfg.RightOn) == 0 {
		return nil, fmt.Errorf("join: left_on and right_on are required")
	}
	if len(cfg.LeftOn) != len(cfg.RightOn) {
		return nil, fmt.Errorf("join: key arity mismatch (left_on=%d, right_on=%d)", len(cfg.LeftOn), len(cfg.RightOn))
	}
	leftKeys := make(map[string]struct{}, len(cfg.LeftOn))
	for _, c := range cfg.LeftOn {
		leftKeys[c] = struct{}{}
	}
	return &HashJoin{
		on: [2][]string{
			append([]string(nil), cfg.LeftOn...),
			append([]string(nil), cfg.RightOn...),
		},
		index: [2]map[string][]types.Tuple{
			make(map[string][]types.Tuple),
			make(map[string][]types.Tuple),
		},
		leftKeys: leftKeys,
	}, nil
}

// Keys returns the key columns of one side.
func (j *HashJoin) Keys(s Side) []string { return append([]string(nil), j.on[s]...) }

// SetColumns declares the schema of one side ahead of any data.
func (j *HashJoin) SetColumns(s Side, cols []string) {
	j.columns[s] = append([]string(nil), cols...)
}

// Probe consumes one batch arriving on side s: every row is matched against
// the other side's index and then added to its own. Exactly one batch is
// returned, possibly with zero rows.
func (j *HashJoin) Probe(s Side, batch types.Batch) (types.Batch, error) {
	if len(batch.Columns) > 0 {
		if err := requireColumns(batch.Columns, j.on[s]); err != nil {
			return types.Batch{}, fmt.Errorf("join %s: %w", s, err)
		}
		if j.columns[s] == nil {
			j.columns[s] = append([]string(nil), batch.Columns...)
		}
	}

	keys := make([]string, len(batch.Rows))
	valid := make([]bool, len(batch.Rows))
	for i, r := range batch.Rows {
		k, ok, err := j.key(s, r)
		if err != nil {
			return types.Batch{}, err
		}
		keys[i], valid[i] = k, ok
	}

	out := types.Batch{Columns: j.outputColumns(), Rows: []types.Tuple{}}
	o := s.other()
	for i, r := range batch.Rows {
		if !valid[i] {
			continue
		}
		for _, m := range j.index[o][keys[i]] {
			if s == Left {
				out.Rows = append(out.Rows, j.combine(r, m))
			} else {
				out.Rows = append(out.Rows, j.combine(m, r))
			}
		}
	}
	for i, r := range batch.Rows {
		if valid[i] {
			j.index[s][keys[i]] = append(j.index[s][keys[i]], r)
		}
	}
	return out, nil
}

// Size returns how many rows one side has indexed.
func (j *HashJoin) Size(s Side) int {
	n := 0
	for _, rows := range j.index[s] {
		n += len(rows)
	}
	return n
}

// OutputColumns merges both input schemas; right columns win on a clash.
func (j *HashJoin) OutputColumns(left, right []string) ([]string, error) {
	if err := requireColumns(left, j.on[Left]); err != nil {
		return nil, fmt.Errorf("join left: %w", err)
	}
	if err := requireColumns(right, j.on[Right]); err != nil {
		return nil, fmt.Errorf("join right: %w", err)
	}
	j.SetColumns(Left, left)
	j.SetColumns(Right, right)
	return j.outputColumns(), nil
}

func (j *HashJoin) outputColumns() []string {
	return types.MergeColumns(j.columns[Left], j.columns[Right])
}

func (j *HashJoin) key(s Side, r types.Tuple) (string, bool, error) {
	for _, c := range j.on[s] {
		v, ok := r[c]
		if !ok {
			return "", false, fmt.Errorf("join %s: %q: %w", s, c, ErrMissingColumn)
		}
		if v == nil {
			return "", false, nil
		}
	}
	return types.KeyOf(r, j.on[s]), true, nil
}

func (j *HashJoin) combine(l, r types.Tuple) types.Tuple {
	out := make(types.Tuple, len(l)+len(r))
	for k, v := range l {
		out[k] = v
	}
	for k, v := range r {
		if _, isKey := j.leftKeys[k]; isKey {
			continue
		}
		out[k] = v
	}
	return out
}
