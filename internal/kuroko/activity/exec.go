package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bdobrica/kuroko/common/clock"
	"github.com/bdobrica/kuroko/internal/kuroko/provider"
)

// Execer is the provider subset ExecStore needs.
type Execer interface {
	Exec(ctx context.Context, id string, req provider.ExecRequest) (provider.ExecResult, error)
}

// ExecStore is the FileStore of a remote host, read and written through
// the provider. The host reports each signal's age by its own clock and
// the store subtracts it from the local clock, so clock skew between
// controller and host does not shift signals.
type ExecStore struct {
	exec   Execer
	hostID string
	clock  clock.Clock
}

var _ Store = (*ExecStore)(nil)

// NewExecStore returns the store of hostID. A nil clk means the real clock.
func NewExecStore(exec Execer, hostID string, clk clock.Clock) *ExecStore {
	if clk == nil {
		clk = clock.Real()
	}
	return &ExecStore{exec: exec, hostID: hostID, clock: clk}
}

var agesScript = func() string {
	names := make([]string, len(AllSources))
	for i, src := range AllSources {
		names[i] = string(src)
	}
	return `d="$KUROKO_STATE_DIR/` + DirName + `"; now=$(date +%s)
for s in ` + strings.Join(names, " ") + `; do
	[ -f "$d/$s" ] || continue
	m=$(stat -c %Y "$d/$s" 2>/dev/null || stat -f %m "$d/$s") || continue
	echo "$s $((now - m))"
done`
}()

func (s *ExecStore) Signals(ctx context.Context) ([]Signal, error) {
	res, err := s.run(ctx, provider.ExecRequest{Script: agesScript})
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	var out []Signal
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		src, err := ParseSource(fields[0])
		if err != nil {
			continue
		}
		age, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("activity %s: bad age %q", src, fields[1])
		}
		if age < 0 {
			age = 0
		}
		out = append(out, Signal{Source: src, ObservedAt: now.Add(-time.Duration(age) * time.Second)})
	}
	return out, nil
}

const touchTimeout = 30 * time.Second

const touchScript = `d="$KUROKO_STATE_DIR/` + DirName + `" && mkdir -p "$d" &&
printf '%s\n' "$KUROKO_PAYLOAD" > "$d/$KUROKO_SOURCE.tmp" &&
mv "$d/$KUROKO_SOURCE.tmp" "$d/$KUROKO_SOURCE"`

// Touch records src. The file's mtime comes from the host's clock; t
// only goes into the informational payload.
func (s *ExecStore) Touch(src Source, t time.Time, note string) error {
	data, err := json.Marshal(payload{Time: t.UnixMilli(), Note: note})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
	defer cancel()
	_, err = s.run(ctx, provider.ExecRequest{
		Script: touchScript,
		Env:    map[string]string{"KUROKO_SOURCE": string(src), "KUROKO_PAYLOAD": string(data)},
	})
	if err != nil {
		return fmt.Errorf("activity %s at %s: %w", src, t.UTC().Format(time.RFC3339), err)
	}
	return nil
}

func (s *ExecStore) run(ctx context.Context, req provider.ExecRequest) (provider.ExecResult, error) {
	res, err := s.exec.Exec(ctx, s.hostID, req)
	if err != nil {
		return res, fmt.Errorf("activity %s: %w", s.hostID, err)
	}
	if res.ExitCode != 0 {
		return res, fmt.Errorf("activity %s: exit %d: %s", s.hostID, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res, nil
}
