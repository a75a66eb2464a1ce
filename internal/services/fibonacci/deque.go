package fibonacci

import "github.com/shopspring/decimal"

type entry struct {
	seq   int64
	value decimal.Decimal
}

// monoDeque keeps a monotonic run of values so the extreme of a sliding
// window is always at the front.
type monoDeque struct {
	items []entry
	// keep reports whether an existing back value survives a new push.
	keep func(back, incoming decimal.Decimal) bool
}

func newMaxDeque() *monoDeque {
	return &monoDeque{keep: func(back, in decimal.Decimal) bool { return back.GreaterThan(in) }}
}

func newMinDeque() *monoDeque {
	return &monoDeque{keep: func(back, in decimal.Decimal) bool { return back.LessThan(in) }}
}

func (d *monoDeque) push(seq int64, v decimal.Decimal) {
	for len(d.items) > 0 && !d.keep(d.items[len(d.items)-1].value, v) {
		d.items = d.items[:len(d.items)-1]
	}
	d.items = append(d.items, entry{seq: seq, value: v})
}

// evict drops entries older than minSeq.
func (d *monoDeque) evict(minSeq int64) {
	i := 0
	for i < len(d.items) && d.items[i].seq < minSeq {
		i++
	}
	if i > 0 {
		d.items = d.items[i:]
	}
}

func (d *monoDeque) front() (decimal.Decimal, bool) {
	if len(d.items) == 0 {
		return decimal.Zero, false
	}
	return d.items[0].value, true
}
