package viz

// StoreStats describes block store fill levels for the store overview.
// Decoupled from blockstore types so viz stays a pure rendering package.
type StoreStats struct {
	Processes      int
	Streams        int
	SpanBlocks     int
	MetricBlocks   int
	OpenSpans      int // spans waiting to be sealed into a block
	SpansPerBlock  int
	OpenPoints     int
	PointsPerBlock int
	LogBlocks      int
	OpenLogs       int
	LogsPerBlock   int
}

// ProcessStats describes one process for the process summary bar chart.
type ProcessStats struct {
	Name    string
	Streams int
	Blocks  int
	Spans   int
}

// SessionStatus describes a timeline session for the status block.
type SessionStatus struct {
	Process      string
	Ready        bool
	Idle         bool
	ViewBeginMs  float64
	ViewEndMs    float64
	Lod          int
	Requested    int64
	Completed    int64
	Failed       int64
	SpansLoaded  int64
	PointsLoaded int64
	AsyncSpans   int64
	LoadErrors   []string
}
