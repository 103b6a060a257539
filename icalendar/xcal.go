package icalendar

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/beevik/etree"
	"github.com/emersion/go-ical"
)

// XCalNamespace is the RFC 6321 namespace
const XCalNamespace = "urn:ietf:params:xml:ns:icalendar-2.0"

// EncodeXCal writes e as an xCal document
func EncodeXCal(w io.Writer, e Export) error {
	cal, err := Build(e)
	if err != nil {
		return err
	}
	doc := ToXCal(cal)
	doc.Indent(2)
	if _, err := doc.WriteTo(w); err != nil {
		return fmt.Errorf("write xcal: %w", err)
	}
	return nil
}

// ToXCal converts a calendar to its XML representation
func ToXCal(cal *ical.Calendar) *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	root := doc.CreateElement("icalendar")
	root.CreateAttr("xmlns", XCalNamespace)
	root.AddChild(componentElement(cal.Component))
	return doc
}

func componentElement(comp *ical.Component) *etree.Element {
	elem := etree.NewElement(strings.ToLower(comp.Name))

	if len(comp.Props) > 0 {
		props := elem.CreateElement("properties")
		for _, name := range sortedPropNames(comp.Props) {
			for _, prop := range comp.Props[name] {
				props.AddChild(propertyElement(&prop))
			}
		}
	}
	if len(comp.Children) > 0 {
		children := elem.CreateElement("components")
		for _, child := range comp.Children {
			children.AddChild(componentElement(child))
		}
	}
	return elem
}

func propertyElement(prop *ical.Prop) *etree.Element {
	elem := etree.NewElement(strings.ToLower(prop.Name))

	if params := paramNames(prop.Params); len(params) > 0 {
		pe := elem.CreateElement("parameters")
		for _, name := range params {
			p := pe.CreateElement(strings.ToLower(name))
			for _, v := range prop.Params[name] {
				p.CreateElement("text").SetText(v)
			}
		}
	}

	valueType := prop.ValueType()
	switch valueType {
	case ical.ValueRecurrence:
		recur := elem.CreateElement("recur")
		for _, part := range strings.Split(prop.Value, ";") {
			key, value, ok := strings.Cut(part, "=")
			if !ok {
				continue
			}
			key = strings.ToLower(key)
			if key == "until" {
				value = xmlDateTime(value)
			}
			for _, v := range strings.Split(value, ",") {
				recur.CreateElement(key).SetText(v)
			}
		}
	case ical.ValueDateTime:
		for _, v := range strings.Split(prop.Value, ",") {
			elem.CreateElement("date-time").SetText(xmlDateTime(v))
		}
	case ical.ValueDate:
		for _, v := range strings.Split(prop.Value, ",") {
			elem.CreateElement("date").SetText(xmlDate(v))
		}
	case ical.ValueInt:
		elem.CreateElement("integer").SetText(prop.Value)
	default:
		v, err := prop.Text()
		if err != nil {
			v = prop.Value
		}
		elem.CreateElement(typeElement(valueType)).SetText(v)
	}
	return elem
}

// typeElement is the value element name for the remaining value types
func typeElement(t ical.ValueType) string {
	if t == ical.ValueDefault {
		return "unknown"
	}
	return strings.ToLower(string(t))
}

// xmlDateTime turns 20240101T090000Z into 2024-01-01T09:00:00Z
func xmlDateTime(v string) string {
	date, clock, ok := strings.Cut(v, "T")
	if !ok || len(clock) < 6 {
		return xmlDate(v)
	}
	return xmlDate(date) + "T" + clock[0:2] + ":" + clock[2:4] + ":" + clock[4:]
}

// xmlDate turns 20240101 into 2024-01-01
func xmlDate(v string) string {
	if len(v) != 8 {
		return v
	}
	return v[0:4] + "-" + v[4:6] + "-" + v[6:8]
}

func paramNames(params ical.Params) []string {
	names := make([]string, 0, len(params))
	for name := range params {
		if name == ical.ParamValue {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func sortedPropNames(props ical.Props) []string {
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
