package schema

// Audit actions recorded for every credential access attempt.
const (
	ActionRead   = "read"
	ActionWrite  = "write"
	ActionRotate = "rotate"
	ActionDelete = "delete"
)

// ValidAction reports whether a is one of the audited actions.
func ValidAction(a string) bool {
	switch a {
	case ActionRead, ActionWrite, ActionRotate, ActionDelete:
		return true
	}
	return false
}

// Metadata keys stamped on credential entries.
const (
	MetaCreatedBy    = "created_by"
	MetaSizeBytes    = "size_bytes"
	MetaTemplateUsed = "template_used"
	MetaLastRotated  = "last_rotated"
	MetaRotatedBy    = "rotated_by"
)
