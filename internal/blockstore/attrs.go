package blockstore

import (
	"encoding/hex"
	"strconv"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"

	"github.com/tobert/tracelod/internal/model"
)

// Resource and span attributes the store reads.
const (
	attrServiceName       = "service.name"
	attrServiceInstanceID = "service.instance.id"
	attrHostName          = "host.name"
	attrUserName          = "user.name"
	attrProcessPID        = "process.pid"
	attrProcessParentPID  = "process.parent_pid"
	attrThreadID          = "thread.id"
	attrThreadName        = "thread.name"
	attrCodeFilepath      = "code.filepath"
	attrCodeLineno        = "code.lineno"
)

func findAttr(attrs []*commonpb.KeyValue, key string) *commonpb.AnyValue {
	for _, kv := range attrs {
		if kv.GetKey() == key {
			return kv.GetValue()
		}
	}
	return nil
}

func stringAttr(attrs []*commonpb.KeyValue, key string) string {
	v := findAttr(attrs, key)
	if v == nil {
		return ""
	}
	return anyValueString(v)
}

func anyValueString(v *commonpb.AnyValue) string {
	switch val := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return val.StringValue
	case *commonpb.AnyValue_IntValue:
		return strconv.FormatInt(val.IntValue, 10)
	case *commonpb.AnyValue_DoubleValue:
		return strconv.FormatFloat(val.DoubleValue, 'g', -1, 64)
	case *commonpb.AnyValue_BoolValue:
		return strconv.FormatBool(val.BoolValue)
	case *commonpb.AnyValue_BytesValue:
		return hex.EncodeToString(val.BytesValue)
	}
	return ""
}

// processKey identifies the process a resource belongs to.
func processKey(res *resourcepb.Resource) string {
	attrs := res.GetAttributes()
	if id := stringAttr(attrs, attrServiceInstanceID); id != "" {
		return id
	}
	if name := stringAttr(attrs, attrServiceName); name != "" {
		return name
	}
	return "unknown"
}

// toProperties converts OTLP attributes into the property tree, keeping
// arrays and key/value lists as nested nodes.
func toProperties(attrs []*commonpb.KeyValue) []model.Property {
	if len(attrs) == 0 {
		return nil
	}
	props := make([]model.Property, 0, len(attrs))
	for _, kv := range attrs {
		props = append(props, toProperty(kv.GetKey(), kv.GetValue()))
	}
	return props
}

func toProperty(name string, v *commonpb.AnyValue) model.Property {
	switch val := v.GetValue().(type) {
	case *commonpb.AnyValue_ArrayValue:
		p := model.Property{Name: name, Kind: model.PropertyVector}
		for _, elem := range val.ArrayValue.GetValues() {
			p.Children = append(p.Children, toProperty("", elem))
		}
		return p
	case *commonpb.AnyValue_KvlistValue:
		return model.Property{Name: name, Kind: model.PropertyGroup, Children: toProperties(val.KvlistValue.GetValues())}
	case nil:
		return model.Property{Name: name, Kind: model.PropertyOption}
	}
	return model.Leaf(name, anyValueString(v))
}
