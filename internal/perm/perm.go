package perm

// Type is the permission level a user holds on a tree.
type Type string

const (
	TypeOwner  Type = "owner"
	TypeEditor Type = "editor"
	TypeViewer Type = "viewer"
)

// Valid reports whether t is a known permission level.
func Valid(t Type) bool {
	switch t {
	case TypeOwner, TypeEditor, TypeViewer:
		return true
	default:
		return false
	}
}

// CanEdit reports whether t allows mutating document content.
func CanEdit(t Type) bool {
	return t == TypeOwner || t == TypeEditor
}

// Normalize maps unknown values to the least privileged level.
func Normalize(raw string) Type {
	t := Type(raw)
	if Valid(t) {
		return t
	}
	return TypeViewer
}
