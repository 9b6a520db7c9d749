package proc

import (
	"bytes"
	"fmt"

	"github.com/google/pprof/profile"

	"github.com/biscuit-kernel/sv39kernel/internal/defs"
	"github.com/biscuit-kernel/sv39kernel/internal/fdops"
)

// profdev_t backs the /dev/prof character device (defs.D_PROF): reading
// it yields a pprof-format snapshot of every live process's accumulated
// user and system time. The snapshot is taken at open (first read);
// subsequent reads stream the serialized bytes until EOF.
type profdev_t struct {
	buf  []byte
	off  int
	took bool
}

/// MkProfdev returns the fd operations for the profiling device.
func MkProfdev() fdops.Fdops_i {
	return &profdev_t{}
}

func snapshot() ([]byte, error) {
	pmu.Lock()
	type rec struct {
		pid  defs.Pid_t
		u, s int64
	}
	var recs []rec
	for pid, p := range ptable {
		u, s := p.Accnt.Snapshot()
		recs = append(recs, rec{pid: pid, u: u, s: s})
	}
	pmu.Unlock()

	prof := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "user", Unit: "nanoseconds"},
			{Type: "system", Unit: "nanoseconds"},
		},
	}
	for i, r := range recs {
		fn := &profile.Function{
			ID:   uint64(i + 1),
			Name: fmt.Sprintf("pid%d", r.pid),
		}
		loc := &profile.Location{
			ID:   uint64(i + 1),
			Line: []profile.Line{{Function: fn}},
		}
		prof.Function = append(prof.Function, fn)
		prof.Location = append(prof.Location, loc)
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{r.u, r.s},
		})
	}
	var out bytes.Buffer
	if err := prof.Write(&out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func (pd *profdev_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	if !pd.took {
		b, err := snapshot()
		if err != nil {
			return 0, defs.EGENERIC
		}
		pd.buf = b
		pd.took = true
	}
	if pd.off >= len(pd.buf) {
		return 0, 0
	}
	c, err := dst.Uiowrite(pd.buf[pd.off:])
	pd.off += c
	return c, err
}

func (pd *profdev_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	return 0, defs.EBADF
}

func (pd *profdev_t) Close() defs.Err_t  { return 0 }
func (pd *profdev_t) Reopen() defs.Err_t { return 0 }
func (pd *profdev_t) Readable() bool     { return true }
func (pd *profdev_t) Writable() bool     { return false }
