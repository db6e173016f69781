package codec

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/umputun/jobstore/app/job"
)

// BundleCodec serializes job.Bundle payloads as typed elements:
// <string name="k">v</string>, <long name="k" value="1"/>, <double .../>, <boolean .../>,
// <string-array name="k"><item value="v"/></string-array> and nested <bundle name="k">...</bundle>.
// int values are widened and written as long, decoding always yields int64.
type BundleCodec struct{}

// EncodePayload writes bundle entries in key order
func (BundleCodec) EncodePayload(enc *xml.Encoder, p job.Payload) error {
	b, ok := p.(job.Bundle)
	if !ok {
		return fmt.Errorf("unsupported payload type %T", p)
	}
	return encodeBundle(enc, b)
}

// DecodePayload reads bundle entries until the end of input
func (BundleCodec) DecodePayload(dec *xml.Decoder) (job.Payload, error) {
	return decodeBundle(dec, false)
}

func encodeBundle(enc *xml.Encoder, b job.Bundle) error {
	for _, k := range b.Keys() {
		name := attr("name", k)
		switch v := b[k].(type) {
		case string:
			if err := enc.EncodeElement(v, start("string", name)); err != nil {
				return err
			}
		case int64:
			if err := encodeEmpty(enc, start("long", name, attr("value", strconv.FormatInt(v, 10)))); err != nil {
				return err
			}
		case int:
			if err := encodeEmpty(enc, start("long", name, attr("value", strconv.Itoa(v)))); err != nil {
				return err
			}
		case float64:
			if err := encodeEmpty(enc, start("double", name, attr("value", strconv.FormatFloat(v, 'g', -1, 64)))); err != nil {
				return err
			}
		case bool:
			if err := encodeEmpty(enc, start("boolean", name, attr("value", strconv.FormatBool(v)))); err != nil {
				return err
			}
		case []string:
			arr := start("string-array", name, attr("num", strconv.Itoa(len(v))))
			if err := enc.EncodeToken(arr); err != nil {
				return err
			}
			for _, s := range v {
				if err := encodeEmpty(enc, start("item", attr("value", s))); err != nil {
					return err
				}
			}
			if err := enc.EncodeToken(arr.End()); err != nil {
				return err
			}
		case job.Bundle:
			nested := start("bundle", name)
			if err := enc.EncodeToken(nested); err != nil {
				return err
			}
			if err := encodeBundle(enc, v); err != nil {
				return err
			}
			if err := enc.EncodeToken(nested.End()); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported value type %T for key %q", v, k)
		}
	}
	return nil
}

// decodeBundle reads entries until EOF for top level bundle or until closing element for nested one
func decodeBundle(dec *xml.Decoder, nested bool) (job.Bundle, error) {
	res := job.Bundle{}
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) && !nested {
			return res, nil
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.EndElement:
			if !nested {
				return nil, fmt.Errorf("unexpected closing %s", t.Name.Local)
			}
			return res, nil
		case xml.StartElement:
			name, ok := attrValue(t.Attr, "name")
			if !ok {
				return nil, fmt.Errorf("%s without name", t.Name.Local)
			}
			if res[name], err = decodeValue(dec, t); err != nil {
				return nil, fmt.Errorf("bad value %q: %w", name, err)
			}
		}
	}
}

func decodeValue(dec *xml.Decoder, t xml.StartElement) (any, error) {
	switch t.Name.Local {
	case "string":
		var s string
		err := dec.DecodeElement(&s, &t)
		return s, err
	case "string-array":
		return decodeStringArray(dec)
	case "bundle":
		return decodeBundle(dec, true)
	}

	val, ok := attrValue(t.Attr, "value")
	if !ok {
		return nil, fmt.Errorf("%s without value", t.Name.Local)
	}
	var res any
	var err error
	switch t.Name.Local {
	case "long":
		res, err = strconv.ParseInt(val, 10, 64)
	case "double":
		res, err = strconv.ParseFloat(val, 64)
	case "boolean":
		res, err = strconv.ParseBool(val)
	default:
		return nil, fmt.Errorf("unknown element %s", t.Name.Local)
	}
	if err != nil {
		return nil, err
	}
	return res, dec.Skip()
}

func decodeStringArray(dec *xml.Decoder) ([]string, error) {
	res := []string{}
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.EndElement:
			return res, nil
		case xml.StartElement:
			if t.Name.Local != "item" {
				return nil, fmt.Errorf("unexpected %s in string-array", t.Name.Local)
			}
			v, ok := attrValue(t.Attr, "value")
			if !ok {
				return nil, errors.New("item without value")
			}
			res = append(res, v)
			if err := dec.Skip(); err != nil {
				return nil, err
			}
		}
	}
}
