// Package compiler owns the boundary to the isolated CAD compiler worker:
// the wire protocol, the worker subprocess handle, and the supervisor that
// replaces workers after crashes and timeouts. The compiler itself is an
// opaque text-in/binary-out service; nothing here interprets geometry.
package compiler

// OutputKind selects the compiled output format.
type OutputKind string

const (
	OutputSTL OutputKind = "stl"
	OutputSVG OutputKind = "svg"
)

// Valid reports whether the kind is one the worker understands.
func (k OutputKind) Valid() bool {
	return k == OutputSTL || k == OutputSVG
}

// Request is the message sent to the worker. Seq is a monotonically
// increasing number bound to the issuing compile session; responses are
// correlated by it so a superseded request's late response is never
// applied.
type Request struct {
	Type       string     `json:"type"` // always "compile"
	Seq        uint64     `json:"seq"`
	SourceCode string     `json:"sourceCode"`
	OutputKind OutputKind `json:"outputKind"`
}

// NewCompileRequest builds a compile request.
func NewCompileRequest(seq uint64, sourceCode string, kind OutputKind) Request {
	return Request{Type: "compile", Seq: seq, SourceCode: sourceCode, OutputKind: kind}
}

// Response is the message received from the worker. Exactly one of Error
// and Data is set.
type Response struct {
	Seq   uint64         `json:"seq"`
	Error *ResponseError `json:"error,omitempty"`
	Data  *ResponseData  `json:"data,omitempty"`
}

// ResponseError is a structured compiler rejection.
type ResponseError struct {
	Message string   `json:"message"`
	StdErr  []string `json:"stdErr,omitempty"`
}

// ResponseData carries the compiled output. Output is base64 on the wire
// (encoding/json handles []byte natively).
type ResponseData struct {
	Output   []byte `json:"output"`
	FileType string `json:"fileType"`
}
