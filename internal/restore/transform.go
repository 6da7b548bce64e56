package restore

// TransformConfig applies user-configured field-level transformations to
// each row before lookup resolution (spec.md §4.6 step 2).
type TransformConfig struct {
	// FieldRemap renames source columns to target columns, e.g. mapping
	// OwnerId/CreatedById to a fixed target-tenant user id.
	FieldRemap map[string]string

	// RecordTypeRemap maps a source RecordTypeId to its target-tenant
	// equivalent.
	RecordTypeRemap map[string]string

	// PicklistRemap maps, per field, a source picklist value to its
	// target-tenant equivalent.
	PicklistRemap map[string]map[string]string
}

// Apply returns a transformed copy of row. It never mutates row in place
// so the caller can still report the original values in a dry-run preview.
func (c TransformConfig) Apply(row map[string]string) map[string]string {
	out := make(map[string]string, len(row))
	for k, v := range row {
		out[k] = v
	}

	for field, remapped := range c.FieldRemap {
		if v, ok := out[field]; ok {
			delete(out, field)
			out[remapped] = v
		}
	}

	if v, ok := out["RecordTypeId"]; ok {
		if remapped, ok := c.RecordTypeRemap[v]; ok {
			out["RecordTypeId"] = remapped
		}
	}

	for field, valueMap := range c.PicklistRemap {
		if v, ok := out[field]; ok {
			if remapped, ok := valueMap[v]; ok {
				out[field] = remapped
			}
		}
	}

	return out
}
