// Package har reads HTTP Archive (HAR) capture files as a stream of
// typed items without materializing the whole document in memory.
package har

// Extensions holds fields outside the HAR 1.2 schema (typically
// underscore-prefixed producer fields such as _resourceType). They are
// preserved verbatim per location and round-trip as JSON.
type Extensions map[string]any

// Log carries the log-level metadata of a capture.
type Log struct {
	Version    string
	Comment    string
	Creator    *Creator
	Browser    *Creator
	Extensions Extensions
}

// Creator identifies the HAR producer (log.creator / log.browser).
type Creator struct {
	Name    string
	Version string
}

// Page is one page-load context from log.pages.
type Page struct {
	ID              string
	StartedDateTime string
	Title           string
	Timings         *PageTimings
	Extensions      Extensions
}

// PageTimings holds the page-level load milestones in milliseconds.
type PageTimings struct {
	OnContentLoad *float64
	OnLoad        *float64
	Extensions    Extensions
}

// Entry is one request/response pair from log.entries.
type Entry struct {
	Pageref         string
	StartedDateTime string
	Time            float64
	Request         Request
	Response        Response
	Timings         *Timings
	ServerIPAddress string
	Connection      string
	Extensions      Extensions
}

type Request struct {
	Method      string
	URL         string
	HTTPVersion string
	Headers     []Header
	Cookies     []Cookie
	QueryString []QueryParam
	PostData    *PostData
	HeadersSize *int64
	BodySize    *int64
	Extensions  Extensions
}

type Response struct {
	Status      int
	StatusText  string
	HTTPVersion string
	Headers     []Header
	Cookies     []Cookie
	Content     Content
	RedirectURL string
	HeadersSize *int64
	BodySize    *int64
	Extensions  Extensions
}

// Content is the response body description. Text may be base64-encoded
// when Encoding says so; Size is the producer-reported decoded size.
type Content struct {
	Size        int64
	Compression *int64
	MimeType    string
	Text        *string
	Encoding    string
	Extensions  Extensions
}

type Header struct {
	Name  string
	Value string
}

// Cookie preserves every field the producer supplied, including unknown
// ones, so cookie JSON serialization loses nothing.
type Cookie struct {
	Name       string
	Value      string
	Path       *string
	Domain     *string
	Expires    *string
	HTTPOnly   *bool
	Secure     *bool
	Extensions Extensions
}

type QueryParam struct {
	Name  string
	Value string
}

type PostData struct {
	MimeType   string
	Text       *string
	Params     []PostParam
	Extensions Extensions
}

type PostParam struct {
	Name        string
	Value       *string
	FileName    *string
	ContentType *string
}

// Timings is the per-phase timing breakdown. Send/Wait/Receive are
// required by the HAR spec; the rest are nil when the producer omitted
// them and otherwise hold the value as given (HAR writes -1 for a phase
// that does not apply).
type Timings struct {
	Blocked    *float64
	DNS        *float64
	Connect    *float64
	SSL        *float64
	Send       float64
	Wait       float64
	Receive    float64
	Extensions Extensions
}
