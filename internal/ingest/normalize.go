// Package ingest turns parsed HAR items into rows and drives them
// through a single serial writer into the store.
package ingest

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"io"
	"net/url"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/ohler55/ojg"
	"github.com/ohler55/ojg/oj"

	"github.com/agentic-research/harvault/internal/graphql"
	"github.com/agentic-research/harvault/internal/har"
	"github.com/agentic-research/harvault/internal/store"
)

// jsonOpts keeps serialized JSON canonical: sorted keys, no trailing
// whitespace, so equal inputs produce byte-equal columns.
var jsonOpts = ojg.Options{Sort: true}

// NormalizeOptions controls body storage during normalization.
type NormalizeOptions struct {
	StoreBodies      bool
	MaxBodySize      *int64 // nil means unlimited
	TextOnly         bool
	DecompressBodies bool
	KeepCompressed   bool
	ComputeEntryHash bool
}

// EntryRow is one entries-table row ready for insertion. Pointer fields
// map to nullable columns.
type EntryRow struct {
	PageID          *string
	StartedAt       *string
	TimeMS          *float64
	BlockedMS       *float64
	DNSMS           *float64
	ConnectMS       *float64
	SendMS          *float64
	WaitMS          *float64
	ReceiveMS       *float64
	SSLMS           *float64
	Method          string
	URL             string
	Host            *string
	Path            *string
	QueryString     *string
	HTTPVersion     string
	RequestHeaders  string
	RequestCookies  string
	RequestBodyHash *string
	RequestBodySize *int64

	Status              int64
	StatusText          string
	ResponseHeaders     string
	ResponseCookies     string
	ResponseBodyHash    *string
	ResponseBodySize    *int64
	ResponseBodyHashRaw *string
	ResponseBodySizeRaw *int64
	ResponseMimeType    *string

	IsRedirect   int64
	ServerIP     *string
	ConnectionID *string
	EntryHash    *string

	EntryExtensions    *string
	RequestExtensions  *string
	ResponseExtensions *string
	ContentExtensions  *string
	TimingsExtensions  *string
	PostDataExtensions *string

	GraphQLOperationType  *string
	GraphQLOperationName  *string
	GraphQLTopLevelFields *string
	GraphQLFields         []string
}

const defaultMaxDecompressedBytes int64 = 50 * 1024 * 1024

// Normalize converts one HAR entry into a relational row plus the blob
// submissions its bodies produce. Pure with respect to I/O.
func Normalize(e *har.Entry, opts NormalizeOptions) (*EntryRow, []store.BlobSubmission) {
	row := &EntryRow{
		PageID:          optString(e.Pageref),
		StartedAt:       optString(e.StartedDateTime),
		Method:          e.Request.Method,
		URL:             e.Request.URL,
		HTTPVersion:     e.Request.HTTPVersion,
		RequestHeaders:  headersJSON(e.Request.Headers),
		RequestCookies:  cookiesJSON(e.Request.Cookies),
		Status:          int64(e.Response.Status),
		StatusText:      e.Response.StatusText,
		ResponseHeaders: headersJSON(e.Response.Headers),
		ResponseCookies: cookiesJSON(e.Response.Cookies),
		ServerIP:        optString(e.ServerIPAddress),
		ConnectionID:    optString(e.Connection),
	}
	t := e.Time
	row.TimeMS = &t
	row.Host, row.Path, row.QueryString = urlParts(e.Request.URL)
	if e.Response.Status >= 300 && e.Response.Status <= 399 {
		row.IsRedirect = 1
	}

	if t := e.Timings; t != nil {
		row.BlockedMS = nonNegative(t.Blocked)
		row.DNSMS = nonNegative(t.DNS)
		row.ConnectMS = nonNegative(t.Connect)
		row.SSLMS = nonNegative(t.SSL)
		row.SendMS = nonNegative(&t.Send)
		row.WaitMS = nonNegative(&t.Wait)
		row.ReceiveMS = nonNegative(&t.Receive)
	}

	row.ResponseMimeType = responseMime(e)
	if e.Response.Content.Size >= 0 {
		size := e.Response.Content.Size
		row.ResponseBodySize = &size
	}
	if e.Request.BodySize != nil && *e.Request.BodySize >= 0 {
		size := *e.Request.BodySize
		row.RequestBodySize = &size
	}

	var subs []store.BlobSubmission
	if opts.StoreBodies {
		subs = append(subs, normalizeResponseBody(e, opts, row)...)
		subs = append(subs, normalizeRequestBody(e, opts, row)...)
	}

	row.EntryExtensions = extensionsJSON(e.Extensions)
	row.RequestExtensions = extensionsJSON(e.Request.Extensions)
	row.ResponseExtensions = extensionsJSON(e.Response.Extensions)
	row.ContentExtensions = extensionsJSON(e.Response.Content.Extensions)
	if e.Timings != nil {
		row.TimingsExtensions = extensionsJSON(e.Timings.Extensions)
	}
	if e.Request.PostData != nil {
		row.PostDataExtensions = extensionsJSON(e.Request.PostData.Extensions)
	}

	if info := graphql.Extract(&e.Request); info != nil {
		row.GraphQLOperationType = optString(info.OperationType)
		row.GraphQLOperationName = optString(info.OperationName)
		if len(info.TopLevelFields) > 0 {
			row.GraphQLTopLevelFields = optString(oj.JSON(info.TopLevelFields, &jsonOpts))
			row.GraphQLFields = info.TopLevelFields
		}
	}

	if opts.ComputeEntryHash {
		h := entryHash(row)
		row.EntryHash = &h
	}
	return row, subs
}

func normalizeResponseBody(e *har.Entry, opts NormalizeOptions, row *EntryRow) []store.BlobSubmission {
	body, ok := decodeContentText(&e.Response.Content)
	if !ok || len(body) == 0 {
		return nil
	}
	mime := ""
	if row.ResponseMimeType != nil {
		mime = *row.ResponseMimeType
	}
	if opts.TextOnly && !store.IsTextMIME(mime) {
		return nil
	}

	var subs []store.BlobSubmission
	if opts.DecompressBodies {
		if enc := headerValue(e.Response.Headers, "content-encoding"); enc != "" {
			limit := defaultMaxDecompressedBytes
			if opts.MaxBodySize != nil {
				limit = *opts.MaxBodySize
			}
			if decompressed, ok := decompressBody(body, enc, limit); ok {
				if opts.KeepCompressed && withinLimit(len(body), opts.MaxBodySize) {
					raw := store.NewSubmission(body, mime, false)
					size := int64(len(body))
					row.ResponseBodyHashRaw = &raw.Hash
					row.ResponseBodySizeRaw = &size
					subs = append(subs, raw)
				}
				body = decompressed
			}
		}
	}

	if !withinLimit(len(body), opts.MaxBodySize) {
		return subs
	}
	sub := store.NewSubmission(body, mime, false)
	size := int64(len(body))
	row.ResponseBodyHash = &sub.Hash
	row.ResponseBodySize = &size
	return append(subs, sub)
}

func normalizeRequestBody(e *har.Entry, opts NormalizeOptions, row *EntryRow) []store.BlobSubmission {
	post := e.Request.PostData
	if post == nil {
		return nil
	}

	var (
		body []byte
		mime string
	)
	if post.Text != nil {
		body = []byte(*post.Text)
		mime = post.MimeType
	} else {
		body, mime = synthesizePostParams(post)
	}
	if len(body) == 0 {
		return nil
	}
	if opts.TextOnly && !store.IsTextMIME(mime) {
		return nil
	}
	if !withinLimit(len(body), opts.MaxBodySize) {
		return nil
	}

	sub := store.NewSubmission(body, mime, true)
	row.RequestBodyHash = &sub.Hash
	return []store.BlobSubmission{sub}
}

// synthesizePostParams rebuilds a urlencoded body from postData.params
// when the producer dropped the raw text. Multipart uploads are not
// reconstructable and are skipped.
func synthesizePostParams(post *har.PostData) ([]byte, string) {
	if len(post.Params) == 0 {
		return nil, ""
	}
	if post.MimeType != "" {
		mediaType := strings.TrimSpace(strings.SplitN(post.MimeType, ";", 2)[0])
		if !strings.EqualFold(mediaType, "application/x-www-form-urlencoded") {
			return nil, ""
		}
	}
	values := url.Values{}
	for _, p := range post.Params {
		v := ""
		if p.Value != nil {
			v = *p.Value
		}
		values.Add(p.Name, v)
	}
	body := values.Encode()
	if body == "" {
		return nil, ""
	}
	mime := post.MimeType
	if mime == "" {
		mime = "application/x-www-form-urlencoded"
	}
	return []byte(body), mime
}

func decodeContentText(c *har.Content) ([]byte, bool) {
	if c.Text == nil {
		return nil, false
	}
	if strings.EqualFold(c.Encoding, "base64") {
		b, err := base64.StdEncoding.DecodeString(*c.Text)
		if err != nil {
			return nil, false
		}
		return b, true
	}
	return []byte(*c.Text), true
}

// decompressBody undoes Content-Encoding layers in reverse order.
// Unknown encodings and failures leave the original bytes in place:
// some producers record the header but store decoded text.
func decompressBody(body []byte, contentEncoding string, limit int64) ([]byte, bool) {
	var encs []string
	for _, raw := range strings.Split(contentEncoding, ",") {
		enc := strings.ToLower(strings.TrimSpace(raw))
		if enc != "" && enc != "identity" {
			encs = append(encs, enc)
		}
	}
	if len(encs) == 0 {
		return nil, false
	}

	current := body
	for i := len(encs) - 1; i >= 0; i-- {
		var (
			decoded []byte
			err     error
		)
		switch encs[i] {
		case "gzip", "x-gzip":
			var zr *gzip.Reader
			zr, err = gzip.NewReader(bytes.NewReader(current))
			if err == nil {
				decoded, err = readLimited(zr, limit)
				_ = zr.Close()
			}
		case "br":
			decoded, err = readLimited(brotli.NewReader(bytes.NewReader(current)), limit)
		default:
			return nil, false
		}
		if err != nil {
			return nil, false
		}
		current = decoded
	}
	return current, true
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limit {
		return nil, io.ErrShortBuffer
	}
	return out, nil
}

// headersJSON serializes headers as an object keyed by lowercased name.
// A name supplied once maps to its value; repeated names keep every
// value as an array.
func headersJSON(headers []har.Header) string {
	m := map[string]any{}
	for _, h := range headers {
		name := strings.ToLower(h.Name)
		switch existing := m[name].(type) {
		case nil:
			m[name] = h.Value
		case string:
			m[name] = []any{existing, h.Value}
		case []any:
			m[name] = append(existing, h.Value)
		}
	}
	return oj.JSON(m, &jsonOpts)
}

func cookiesJSON(cookies []har.Cookie) string {
	out := make([]any, 0, len(cookies))
	for _, c := range cookies {
		m := map[string]any{"name": c.Name, "value": c.Value}
		if c.Path != nil {
			m["path"] = *c.Path
		}
		if c.Domain != nil {
			m["domain"] = *c.Domain
		}
		if c.Expires != nil {
			m["expires"] = *c.Expires
		}
		if c.HTTPOnly != nil {
			m["httpOnly"] = *c.HTTPOnly
		}
		if c.Secure != nil {
			m["secure"] = *c.Secure
		}
		for k, v := range c.Extensions {
			m[k] = v
		}
		out = append(out, m)
	}
	return oj.JSON(out, &jsonOpts)
}

func extensionsJSON(ext har.Extensions) *string {
	if len(ext) == 0 {
		return nil
	}
	s := oj.JSON(map[string]any(ext), &jsonOpts)
	return &s
}

func urlParts(raw string) (host, path, query *string) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, nil, nil
	}
	h := strings.ToLower(u.Hostname())
	p := u.Path
	host = &h
	path = &p
	if u.RawQuery != "" {
		q := u.RawQuery
		query = &q
	}
	return host, path, query
}

func responseMime(e *har.Entry) *string {
	mime := e.Response.Content.MimeType
	if mime == "" {
		if v := headerValue(e.Response.Headers, "content-type"); v != "" {
			mime = strings.TrimSpace(strings.SplitN(v, ";", 2)[0])
		}
	}
	return optString(mime)
}

func headerValue(headers []har.Header, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			if v := strings.TrimSpace(h.Value); v != "" {
				return v
			}
		}
	}
	return ""
}

const entryHashPrefix = "harvault:entry:v1"

// entryHash is the stable dedup digest over the canonical identity of a
// capture record: method, url, started_at, status, and the two body
// hashes. Optional fields are tag-plus-length encoded so absent and
// empty stay distinct and no separator can be forged.
func entryHash(row *EntryRow) string {
	var buf bytes.Buffer
	buf.WriteString(entryHashPrefix)
	writeHashString(&buf, &row.Method)
	writeHashString(&buf, &row.URL)
	writeHashString(&buf, row.StartedAt)
	writeHashInt(&buf, &row.Status)
	writeHashString(&buf, row.ResponseBodyHash)
	writeHashString(&buf, row.RequestBodyHash)
	return store.HashBytes(buf.Bytes())
}

func writeHashString(buf *bytes.Buffer, v *string) {
	if v == nil {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(*v)))
	buf.Write(n[:])
	buf.WriteString(*v)
}

func writeHashInt(buf *bytes.Buffer, v *int64) {
	if v == nil {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(*v))
	buf.Write(n[:])
}

func withinLimit(n int, max *int64) bool {
	return max == nil || int64(n) <= *max
}

func nonNegative(v *float64) *float64 {
	if v == nil || *v < 0 {
		return nil
	}
	f := *v
	return &f
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
