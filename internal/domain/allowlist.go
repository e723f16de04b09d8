package domain

import (
	"strconv"
	"strings"
)

// Allowlist holds the identities that are never charged and are exempt from
// the per-owner chat cap. Entries are numeric ids or handles with or without
// a leading "@"; handle matching ignores case.
type Allowlist struct {
	ids     map[int64]struct{}
	handles map[string]struct{}
}

// NewAllowlist builds an Allowlist from raw configuration entries. Extra ids
// (the bot owner) are always included.
func NewAllowlist(entries []string, extraIDs ...int64) *Allowlist {
	list := &Allowlist{
		ids:     make(map[int64]struct{}),
		handles: make(map[string]struct{}),
	}

	for _, id := range extraIDs {
		if id != 0 {
			list.ids[id] = struct{}{}
		}
	}

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if id, err := strconv.ParseInt(entry, 10, 64); err == nil {
			list.ids[id] = struct{}{}
			continue
		}
		if handle := normalizeHandle(entry); handle != "" {
			list.handles[handle] = struct{}{}
		}
	}

	return list
}

// Contains reports whether either the id or the handle is allowlisted.
func (a *Allowlist) Contains(id int64, username string) bool {
	if a == nil {
		return false
	}
	if _, ok := a.ids[id]; ok && id != 0 {
		return true
	}
	if handle := normalizeHandle(username); handle != "" {
		_, ok := a.handles[handle]
		return ok
	}
	return false
}

// Len returns the number of distinct entries.
func (a *Allowlist) Len() int {
	if a == nil {
		return 0
	}
	return len(a.ids) + len(a.handles)
}

func normalizeHandle(value string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(value), "@"))
}
