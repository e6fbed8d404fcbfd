package network

import (
	"math"
	"time"

	"github.com/madconcarl-des/archimedes/internal/aml"
	"github.com/shopspring/decimal"
)

type edge struct {
	from, to int
	count    int64
	total    decimal.Decimal
	amount   float64
	first    time.Time
	last     time.Time
	weight   float64
}

// graph is an index arena: accounts are dense integer ids and adjacency
// lists hold edge indices, so traversal never follows object pointers.
type graph struct {
	ids    []string
	index  map[string]int
	seed   []float64
	seedAt []time.Time
	flow   []float64

	edges     []edge
	edgeIndex map[[2]int]int
	out       [][]int
	in        [][]int
}

func newGraph() *graph {
	return &graph{
		index:     make(map[string]int),
		edgeIndex: make(map[[2]int]int),
	}
}

func (g *graph) node(id string) int {
	if i, ok := g.index[id]; ok {
		return i
	}
	i := len(g.ids)
	g.ids = append(g.ids, id)
	g.index[id] = i
	g.seed = append(g.seed, 0)
	g.seedAt = append(g.seedAt, time.Time{})
	g.flow = append(g.flow, 0)
	g.out = append(g.out, nil)
	g.in = append(g.in, nil)
	return i
}

// addTransfer folds one transaction into its edge and returns the edge index.
func (g *graph) addTransfer(tx *aml.Transaction) int {
	from, to := g.node(tx.FromAccount), g.node(tx.ToAccount)
	amount := tx.Amount.InexactFloat64()

	key := [2]int{from, to}
	ei, ok := g.edgeIndex[key]
	if !ok {
		ei = len(g.edges)
		g.edges = append(g.edges, edge{from: from, to: to, total: decimal.Zero, first: tx.Timestamp, last: tx.Timestamp})
		g.edgeIndex[key] = ei
		g.out[from] = append(g.out[from], ei)
		g.in[to] = append(g.in[to], ei)
	}
	e := &g.edges[ei]
	e.count++
	e.total = e.total.Add(tx.Amount)
	e.amount += amount
	if tx.Timestamp.Before(e.first) {
		e.first = tx.Timestamp
	}
	if tx.Timestamp.After(e.last) {
		e.last = tx.Timestamp
	}
	g.flow[from] += amount
	g.flow[to] += amount
	return ei
}

// restore loads a persisted edge.
func (g *graph) restore(rec *aml.NetworkEdge) {
	from, to := g.node(rec.From), g.node(rec.To)
	key := [2]int{from, to}
	if _, ok := g.edgeIndex[key]; ok {
		return
	}
	amount := rec.TotalAmount.InexactFloat64()
	ei := len(g.edges)
	g.edges = append(g.edges, edge{
		from: from, to: to,
		count:  rec.TxCount,
		total:  rec.TotalAmount,
		amount: amount,
		first:  rec.FirstTxAt,
		last:   rec.LastTxAt,
		weight: rec.SuspicionWeight,
	})
	g.edgeIndex[key] = ei
	g.out[from] = append(g.out[from], ei)
	g.in[to] = append(g.in[to], ei)
	g.flow[from] += amount
	g.flow[to] += amount
}

func (g *graph) record(ei int) *aml.NetworkEdge {
	e := &g.edges[ei]
	return &aml.NetworkEdge{
		From:            g.ids[e.from],
		To:              g.ids[e.to],
		TxCount:         e.count,
		TotalAmount:     e.total,
		FirstTxAt:       e.first,
		LastTxAt:        e.last,
		SuspicionWeight: e.weight,
	}
}

// other returns the far end of edge ei seen from node u.
func (g *graph) other(ei, u int) int {
	e := &g.edges[ei]
	if e.from == u {
		return e.to
	}
	return e.from
}

func (g *graph) clone() *graph {
	c := &graph{
		ids:       append([]string(nil), g.ids...),
		index:     make(map[string]int, len(g.index)),
		seed:      append([]float64(nil), g.seed...),
		seedAt:    append([]time.Time(nil), g.seedAt...),
		flow:      append([]float64(nil), g.flow...),
		edges:     append([]edge(nil), g.edges...),
		edgeIndex: make(map[[2]int]int, len(g.edgeIndex)),
		out:       make([][]int, len(g.out)),
		in:        make([][]int, len(g.in)),
	}
	for k, v := range g.index {
		c.index[k] = v
	}
	for k, v := range g.edgeIndex {
		c.edgeIndex[k] = v
	}
	for i := range g.out {
		c.out[i] = append([]int(nil), g.out[i]...)
		c.in[i] = append([]int(nil), g.in[i]...)
	}
	return c
}

// halfLifeFactor is 0.5^(age/halfLife), 1 for non-positive ages.
func halfLifeFactor(age, halfLife time.Duration) float64 {
	if age <= 0 || halfLife <= 0 {
		return 1
	}
	return math.Pow(0.5, float64(age)/float64(halfLife))
}
