package tensor

import "sort"

// Example is one batch: field name to array. Consumers treat it as read-only.
type Example map[string]Tensor

// Names returns the field names, sorted.
func (ex Example) Names() []string {
	names := make([]string, 0, len(ex))
	for k := range ex {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Fields converted to the computation float type.
var floatFields = map[string]bool{
	"voxels":      true,
	"anchors":     true,
	"reg_targets": true,
	"reg_weights": true,
	"bev_map":     true,
	"rect":        true,
	"Trv2c":       true,
	"P2":          true,
	"gt_boxes":    true,
}

var int32Fields = map[string]bool{
	"coordinates": true,
	"labels":      true,
	"num_points":  true,
}

// ConvertExample returns a copy of ex with the geometry and target fields in
// floatType, the index fields in int32 and anchors_mask in uint8. Other
// fields, such as image metadata, are passed through unchanged.
func ConvertExample(ex Example, floatType DType) Example {
	out := make(Example, len(ex))
	for name, t := range ex {
		switch {
		case floatFields[name]:
			out[name] = t.As(floatType)
		case int32Fields[name]:
			out[name] = t.As(Int32)
		case name == "anchors_mask":
			out[name] = t.As(UInt8)
		default:
			out[name] = t
		}
	}
	return out
}
