package storage

// An object's ACL maps a subject ("*", a user id, or "role:<name>") to
// {read, write} flags. An object with no ACL is public.

// ReadableBy reports whether an object with the given ACL field may be read
// by a caller acting as any of the given subjects. A nil subject list is the
// master key and reads everything.
func ReadableBy(obj Object, subjects []string) bool {
	return aclAllows(obj, subjects, "read")
}

// WritableBy reports whether the object may be written by the caller.
func WritableBy(obj Object, subjects []string) bool {
	return aclAllows(obj, subjects, "write")
}

func aclAllows(obj Object, subjects []string, perm string) bool {
	if subjects == nil {
		return true
	}
	rawACL, ok := obj["ACL"]
	if !ok || rawACL == nil {
		return true
	}
	acl, ok := rawACL.(map[string]any)
	if !ok {
		return false
	}
	for _, subject := range subjects {
		entry, ok := acl[subject].(map[string]any)
		if !ok {
			continue
		}
		if allowed, _ := entry[perm].(bool); allowed {
			return true
		}
	}
	return false
}
