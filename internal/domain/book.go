package domain

// Level is a single price level of an order book side.
type Level struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// BookSnapshot is a depth-limited, sorted view of one exchange's book.
// Bids are sorted descending by price, asks ascending.
type BookSnapshot struct {
	Time     int64   `json:"time"`
	Exchange string  `json:"exchange"`
	Symbol   string  `json:"symbol"`
	Bids     []Level `json:"bids"`
	Asks     []Level `json:"asks"`
}

// Side names an order book side in wall reports.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// Wall is a price level holding a disproportionate share of visible depth.
type Wall struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
	Pct   float64 `json:"pct"`
	Side  Side    `json:"side"`
}

// Walls carries the per-side wall lists of one snapshot.
type Walls struct {
	BidWalls []Wall `json:"bid_walls"`
	AskWalls []Wall `json:"ask_walls"`
}

// AggregatedBook is the broadcast payload: snapshot plus detected walls.
type AggregatedBook struct {
	BookSnapshot
	Walls Walls `json:"walls"`
}

// DepthSnapshot is a full book state used to (re)initialize a book.
// Levels are raw (price, qty) pairs; qty <= 0 entries are dropped on apply.
type DepthSnapshot struct {
	LastUpdateID int64
	Bids         []Level
	Asks         []Level
}

// DepthDelta is a normalized incremental book update. Exchanges that chain
// updates set HasPrevSeq; SideReplace marks feeds that push the whole visible
// side on every message instead of true diffs.
type DepthDelta struct {
	TerminalSeq int64
	PrevSeq     int64
	HasPrevSeq  bool
	SideReplace bool
	Bids        []Level
	Asks        []Level
}

// DepthEvent is one decoded frame from an exchange depth stream: either an
// in-band snapshot or a delta, never both.
type DepthEvent struct {
	Snapshot *DepthSnapshot
	Delta    *DepthDelta
}
