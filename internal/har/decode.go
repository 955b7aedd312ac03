package har

// Decoding from the generic values produced by ojg. Every location keeps
// its unknown keys in an Extensions map so producer fields survive
// round-trips; known keys are lifted into typed fields.

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

// take removes and returns a known key so that whatever remains in the
// map afterwards is, by definition, an extension field.
func take(m map[string]any, key string) (any, bool) {
	v, ok := m[key]
	if ok {
		delete(m, key)
	}
	return v, ok
}

func takeString(m map[string]any, key string) string {
	if v, ok := take(m, key); ok {
		if s, ok := asString(v); ok {
			return s
		}
	}
	return ""
}

func takeOptString(m map[string]any, key string) *string {
	if v, ok := take(m, key); ok {
		if s, ok := asString(v); ok {
			return &s
		}
	}
	return nil
}

func takeOptFloat(m map[string]any, key string) *float64 {
	if v, ok := take(m, key); ok {
		if f, ok := asFloat(v); ok {
			return &f
		}
	}
	return nil
}

func takeOptInt(m map[string]any, key string) *int64 {
	if v, ok := take(m, key); ok {
		if n, ok := asInt(v); ok {
			return &n
		}
	}
	return nil
}

func takeOptBool(m map[string]any, key string) *bool {
	if v, ok := take(m, key); ok {
		if b, ok := asBool(v); ok {
			return &b
		}
	}
	return nil
}

func remainder(m map[string]any) Extensions {
	if len(m) == 0 {
		return nil
	}
	return Extensions(m)
}

func decodeCreator(v any) *Creator {
	m, ok := asMap(v)
	if !ok {
		return nil
	}
	c := &Creator{}
	if s, ok := asString(m["name"]); ok {
		c.Name = s
	}
	if s, ok := asString(m["version"]); ok {
		c.Version = s
	}
	return c
}

func decodePage(v any) *Page {
	m, ok := asMap(v)
	if !ok {
		return nil
	}
	p := &Page{
		ID:              takeString(m, "id"),
		StartedDateTime: takeString(m, "startedDateTime"),
		Title:           takeString(m, "title"),
	}
	if raw, ok := take(m, "pageTimings"); ok {
		if tm, ok := asMap(raw); ok {
			p.Timings = &PageTimings{
				OnContentLoad: takeOptFloat(tm, "onContentLoad"),
				OnLoad:        takeOptFloat(tm, "onLoad"),
			}
			delete(tm, "comment")
			p.Timings.Extensions = remainder(tm)
		}
	}
	delete(m, "comment")
	p.Extensions = remainder(m)
	return p
}

func decodeEntry(v any) *Entry {
	m, ok := asMap(v)
	if !ok {
		return nil
	}
	e := &Entry{
		Pageref:         takeString(m, "pageref"),
		StartedDateTime: takeString(m, "startedDateTime"),
		Connection:      takeString(m, "connection"),
	}
	if f, ok := asFloat(m["time"]); ok {
		e.Time = f
		delete(m, "time")
	}
	if s, ok := asString(m["serverIPAddress"]); ok {
		e.ServerIPAddress = s
		delete(m, "serverIPAddress")
	} else if s, ok := asString(m["serverIpAddress"]); ok {
		e.ServerIPAddress = s
		delete(m, "serverIpAddress")
	}
	if raw, ok := take(m, "request"); ok {
		if rm, ok := asMap(raw); ok {
			e.Request = decodeRequest(rm)
		}
	}
	if raw, ok := take(m, "response"); ok {
		if rm, ok := asMap(raw); ok {
			e.Response = decodeResponse(rm)
		}
	}
	if raw, ok := take(m, "timings"); ok {
		if tm, ok := asMap(raw); ok {
			e.Timings = decodeTimings(tm)
		}
	}
	delete(m, "cache")
	delete(m, "comment")
	e.Extensions = remainder(m)
	return e
}

func decodeRequest(m map[string]any) Request {
	r := Request{
		Method:      takeString(m, "method"),
		URL:         takeString(m, "url"),
		HTTPVersion: takeString(m, "httpVersion"),
		HeadersSize: takeOptInt(m, "headersSize"),
		BodySize:    takeOptInt(m, "bodySize"),
	}
	if raw, ok := take(m, "headers"); ok {
		r.Headers = decodeHeaders(raw)
	}
	if raw, ok := take(m, "cookies"); ok {
		r.Cookies = decodeCookies(raw)
	}
	if raw, ok := take(m, "queryString"); ok {
		r.QueryString = decodeQueryParams(raw)
	}
	if raw, ok := take(m, "postData"); ok {
		if pm, ok := asMap(raw); ok {
			r.PostData = decodePostData(pm)
		}
	}
	delete(m, "comment")
	r.Extensions = remainder(m)
	return r
}

func decodeResponse(m map[string]any) Response {
	r := Response{
		StatusText:  takeString(m, "statusText"),
		HTTPVersion: takeString(m, "httpVersion"),
		HeadersSize: takeOptInt(m, "headersSize"),
		BodySize:    takeOptInt(m, "bodySize"),
	}
	if n, ok := asInt(m["status"]); ok {
		r.Status = int(n)
		delete(m, "status")
	}
	if s, ok := asString(m["redirectURL"]); ok {
		r.RedirectURL = s
		delete(m, "redirectURL")
	} else if s, ok := asString(m["redirectUrl"]); ok {
		r.RedirectURL = s
		delete(m, "redirectUrl")
	}
	if raw, ok := take(m, "headers"); ok {
		r.Headers = decodeHeaders(raw)
	}
	if raw, ok := take(m, "cookies"); ok {
		r.Cookies = decodeCookies(raw)
	}
	if raw, ok := take(m, "content"); ok {
		if cm, ok := asMap(raw); ok {
			r.Content = decodeContent(cm)
		}
	}
	delete(m, "comment")
	r.Extensions = remainder(m)
	return r
}

func decodeContent(m map[string]any) Content {
	c := Content{
		MimeType:    takeString(m, "mimeType"),
		Text:        takeOptString(m, "text"),
		Encoding:    takeString(m, "encoding"),
		Compression: takeOptInt(m, "compression"),
	}
	if n, ok := asInt(m["size"]); ok {
		c.Size = n
		delete(m, "size")
	}
	delete(m, "comment")
	c.Extensions = remainder(m)
	return c
}

func decodeTimings(m map[string]any) *Timings {
	t := &Timings{
		Blocked: takeOptFloat(m, "blocked"),
		DNS:     takeOptFloat(m, "dns"),
		Connect: takeOptFloat(m, "connect"),
		SSL:     takeOptFloat(m, "ssl"),
	}
	if f, ok := asFloat(m["send"]); ok {
		t.Send = f
		delete(m, "send")
	}
	if f, ok := asFloat(m["wait"]); ok {
		t.Wait = f
		delete(m, "wait")
	}
	if f, ok := asFloat(m["receive"]); ok {
		t.Receive = f
		delete(m, "receive")
	}
	delete(m, "comment")
	t.Extensions = remainder(m)
	return t
}

func decodeHeaders(v any) []Header {
	items, ok := asSlice(v)
	if !ok {
		return nil
	}
	out := make([]Header, 0, len(items))
	for _, item := range items {
		m, ok := asMap(item)
		if !ok {
			continue
		}
		h := Header{}
		if s, ok := asString(m["name"]); ok {
			h.Name = s
		}
		if s, ok := asString(m["value"]); ok {
			h.Value = s
		}
		out = append(out, h)
	}
	return out
}

func decodeCookies(v any) []Cookie {
	items, ok := asSlice(v)
	if !ok {
		return nil
	}
	out := make([]Cookie, 0, len(items))
	for _, item := range items {
		m, ok := asMap(item)
		if !ok {
			continue
		}
		c := Cookie{
			Name:     takeString(m, "name"),
			Value:    takeString(m, "value"),
			Path:     takeOptString(m, "path"),
			Domain:   takeOptString(m, "domain"),
			Expires:  takeOptString(m, "expires"),
			HTTPOnly: takeOptBool(m, "httpOnly"),
			Secure:   takeOptBool(m, "secure"),
		}
		delete(m, "comment")
		c.Extensions = remainder(m)
		out = append(out, c)
	}
	return out
}

func decodeQueryParams(v any) []QueryParam {
	items, ok := asSlice(v)
	if !ok {
		return nil
	}
	out := make([]QueryParam, 0, len(items))
	for _, item := range items {
		m, ok := asMap(item)
		if !ok {
			continue
		}
		q := QueryParam{}
		if s, ok := asString(m["name"]); ok {
			q.Name = s
		}
		if s, ok := asString(m["value"]); ok {
			q.Value = s
		}
		out = append(out, q)
	}
	return out
}

func decodePostData(m map[string]any) *PostData {
	p := &PostData{
		MimeType: takeString(m, "mimeType"),
		Text:     takeOptString(m, "text"),
	}
	if raw, ok := take(m, "params"); ok {
		if items, ok := asSlice(raw); ok {
			for _, item := range items {
				pm, ok := asMap(item)
				if !ok {
					continue
				}
				param := PostParam{}
				if s, ok := asString(pm["name"]); ok {
					param.Name = s
				}
				param.Value = takeOptString(pm, "value")
				param.FileName = takeOptString(pm, "fileName")
				param.ContentType = takeOptString(pm, "contentType")
				p.Params = append(p.Params, param)
			}
		}
	}
	delete(m, "comment")
	p.Extensions = remainder(m)
	return p
}
