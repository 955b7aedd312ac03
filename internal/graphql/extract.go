// Package graphql detects GraphQL requests inside captured HTTP traffic
// and lifts out the operation type, operation name, and top-level
// selections.
package graphql

import (
	"net/url"
	"strings"

	"github.com/ohler55/ojg/oj"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/agentic-research/harvault/internal/har"
)

// Info is what an entry contributes to the graphql_* columns and the
// graphql_fields table.
type Info struct {
	OperationType  string
	OperationName  string
	TopLevelFields []string
}

type payload struct {
	query         string
	operationName string
	detected      bool
}

// Extract returns GraphQL metadata for a request, or nil when the
// request does not look like GraphQL at all.
func Extract(req *har.Request) *Info {
	contentType := headerValue(req.Headers, "content-type")
	if contentType == "" && req.PostData != nil {
		contentType = req.PostData.MimeType
	}

	var p payload
	if isGraphQLContentType(contentType) {
		p.detected = true
	}
	if urlPathLooksGraphQL(req.URL) {
		p.detected = true
	}

	if len(req.QueryString) > 0 {
		for _, q := range req.QueryString {
			p.applyParam(q.Name, q.Value)
		}
	} else {
		for _, pair := range pairsFromURL(req.URL) {
			p.applyParam(pair[0], pair[1])
		}
	}

	if req.PostData != nil {
		p.applyPostData(req.PostData, contentType)
	}

	if strings.TrimSpace(p.query) != "" {
		p.detected = true
	}
	if !p.detected {
		return nil
	}

	info := &Info{OperationName: p.operationName}
	if p.query != "" {
		if parsed := parseQuery(p.query, p.operationName); parsed != nil {
			info.OperationType = parsed.OperationType
			if parsed.OperationName != "" {
				info.OperationName = parsed.OperationName
			}
			info.TopLevelFields = parsed.TopLevelFields
		}
	}
	return info
}

func (p *payload) applyParam(name, value string) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "query":
		if strings.TrimSpace(value) != "" {
			p.query = value
		}
		p.detected = true
	case "operationname", "operation_name":
		if strings.TrimSpace(value) != "" {
			p.operationName = value
		}
		p.detected = true
	case "extensions":
		if v, err := oj.ParseString(value); err == nil {
			p.applyJSONValue(v)
		}
	case "persistedquery", "sha256hash":
		p.detected = true
	}
}

func (p *payload) applyPostData(post *har.PostData, contentType string) {
	for _, param := range post.Params {
		if param.Value != nil {
			p.applyParam(param.Name, *param.Value)
		}
	}

	if post.Text == nil {
		return
	}
	text := *post.Text
	mime := post.MimeType
	if mime == "" {
		mime = contentType
	}

	switch {
	case isGraphQLContentType(mime):
		// application/graphql bodies are the bare query text.
		if strings.TrimSpace(text) != "" {
			p.query = text
		}
		p.detected = true
	case strings.Contains(strings.ToLower(mime), "x-www-form-urlencoded"):
		if pairs, err := url.ParseQuery(text); err == nil {
			for name, values := range pairs {
				for _, value := range values {
					p.applyParam(name, value)
				}
			}
		}
	case strings.Contains(strings.ToLower(mime), "json"),
		strings.HasPrefix(strings.TrimSpace(text), "{"),
		strings.HasPrefix(strings.TrimSpace(text), "["):
		p.applyJSONText(text)
	}
}

func (p *payload) applyJSONText(text string) {
	v, err := oj.ParseString(text)
	if err != nil {
		return
	}
	if arr, ok := v.([]any); ok {
		// Batched operations: classify by the first one.
		if len(arr) > 0 {
			p.applyJSONValue(arr[0])
		}
		return
	}
	p.applyJSONValue(v)
}

func (p *payload) applyJSONValue(v any) {
	m, ok := v.(map[string]any)
	if !ok {
		return
	}
	if q, ok := m["query"].(string); ok && strings.TrimSpace(q) != "" {
		p.query = q
	}
	if n, ok := m["operationName"].(string); ok && strings.TrimSpace(n) != "" {
		p.operationName = n
	}
	if ext, ok := m["extensions"].(map[string]any); ok {
		if _, ok := ext["persistedQuery"]; ok {
			p.detected = true
		}
	}
	if p.query != "" || p.operationName != "" {
		p.detected = true
	}
}

func parseQuery(query, operationName string) *Info {
	doc, err := parser.ParseQuery(&ast.Source{Input: query})
	if err != nil || len(doc.Operations) == 0 {
		return nil
	}

	op := selectOperation(doc.Operations, operationName)
	opType := "query"
	switch op.Operation {
	case ast.Mutation:
		opType = "mutation"
	case ast.Subscription:
		opType = "subscription"
	}

	var fields []string
	seen := map[string]bool{}
	collectFields(op.SelectionSet, doc.Fragments, &fields, seen)

	return &Info{
		OperationType:  opType,
		OperationName:  op.Name,
		TopLevelFields: fields,
	}
}

func selectOperation(ops ast.OperationList, name string) *ast.OperationDefinition {
	if name != "" {
		for _, op := range ops {
			if op.Name == name {
				return op
			}
		}
	}
	if len(ops) > 1 {
		for _, op := range ops {
			if op.Name == "" {
				return op
			}
		}
	}
	return ops[0]
}

func collectFields(set ast.SelectionSet, fragments ast.FragmentDefinitionList, out *[]string, seen map[string]bool) {
	for _, sel := range set {
		switch s := sel.(type) {
		case *ast.Field:
			if !seen[s.Name] {
				seen[s.Name] = true
				*out = append(*out, s.Name)
			}
		case *ast.InlineFragment:
			collectFields(s.SelectionSet, fragments, out, seen)
		case *ast.FragmentSpread:
			if frag := fragments.ForName(s.Name); frag != nil {
				collectFields(frag.SelectionSet, fragments, out, seen)
			}
		}
	}
}

func isGraphQLContentType(mime string) bool {
	return strings.Contains(strings.ToLower(mime), "graphql")
}

func urlPathLooksGraphQL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	path := strings.ToLower(u.Path)
	return strings.Contains(path, "graphql") || strings.Contains(path, "gql")
}

func pairsFromURL(raw string) [][2]string {
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	var out [][2]string
	for name, values := range u.Query() {
		for _, value := range values {
			out = append(out, [2]string{name, value})
		}
	}
	return out
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
