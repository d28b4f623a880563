package plex

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// record is one Directory/Video/Metadata entry flattened to its scalar
// attributes. XML attributes and JSON scalars both end up as strings so the
// mapping code does not care which envelope the server chose.
type record map[string]string

// container is the part of a MediaContainer we read.
type container struct {
	Directories []record
	Items       []record
}

type format int

const (
	formatUnknown format = iota
	formatXML
	formatJSON
)

// detectFormat trusts an explicit Content-Type and otherwise sniffs the
// body. Plex answers XML unless asked for JSON, but proxies in front of it
// often drop or rewrite the header.
func detectFormat(contentType string, body []byte) format {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "json"):
		return formatJSON
	case strings.Contains(ct, "xml"):
		return formatXML
	}

	for m := mimetype.Detect(body); m != nil; m = m.Parent() {
		switch {
		case m.Is("application/json"):
			return formatJSON
		case m.Is("text/xml"), m.Is("application/xml"):
			return formatXML
		}
	}
	return formatUnknown
}

func parseContainer(contentType string, body []byte) (container, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return container{}, errors.New("empty body")
	}
	switch detectFormat(contentType, body) {
	case formatXML:
		return parseXML(body)
	case formatJSON:
		return parseJSON(body)
	default:
		return container{}, errors.New("payload is neither XML nor JSON")
	}
}

type xmlElem struct {
	Attrs []xml.Attr `xml:",any,attr"`
}

type xmlContainer struct {
	XMLName     xml.Name  `xml:"MediaContainer"`
	Directories []xmlElem `xml:"Directory"`
	Videos      []xmlElem `xml:"Video"`
}

func (e xmlElem) record() record {
	r := make(record, len(e.Attrs))
	for _, a := range e.Attrs {
		r[a.Name.Local] = a.Value
	}
	return r
}

func parseXML(body []byte) (container, error) {
	var mc xmlContainer
	if err := xml.Unmarshal(body, &mc); err != nil {
		return container{}, fmt.Errorf("decode xml: %w", err)
	}
	out := container{
		Directories: make([]record, 0, len(mc.Directories)),
		Items:       make([]record, 0, len(mc.Videos)),
	}
	for _, d := range mc.Directories {
		out.Directories = append(out.Directories, d.record())
	}
	for _, v := range mc.Videos {
		out.Items = append(out.Items, v.record())
	}
	return out, nil
}

type jsonEnvelope struct {
	MediaContainer *struct {
		Directory []map[string]any `json:"Directory"`
		Metadata  []map[string]any `json:"Metadata"`
	} `json:"MediaContainer"`
}

func parseJSON(body []byte) (container, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var env jsonEnvelope
	if err := dec.Decode(&env); err != nil {
		return container{}, fmt.Errorf("decode json: %w", err)
	}
	if env.MediaContainer == nil {
		return container{}, errors.New("json envelope has no MediaContainer")
	}

	out := container{
		Directories: make([]record, 0, len(env.MediaContainer.Directory)),
		Items:       make([]record, 0, len(env.MediaContainer.Metadata)),
	}
	for _, d := range env.MediaContainer.Directory {
		out.Directories = append(out.Directories, flatten(d))
	}
	for _, m := range env.MediaContainer.Metadata {
		out.Items = append(out.Items, flatten(m))
	}
	return out, nil
}

// flatten keeps scalar members; nested Media/Genre/Guid arrays are dropped.
func flatten(m map[string]any) record {
	r := make(record, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			r[k] = val
		case json.Number:
			r[k] = val.String()
		case bool:
			if val {
				r[k] = "1"
			} else {
				r[k] = "0"
			}
		}
	}
	return r
}
