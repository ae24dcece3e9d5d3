package types

// ReservedPolicyKey is the field name under which a collection-level or
// object-level policy program is stored.
const ReservedPolicyKey = "policy"

// IndexDescriptor names a secondary index and the JSON paths it covers.
type IndexDescriptor struct {
	Name  string   `json:"name"`
	Paths []string `json:"paths"`
}
