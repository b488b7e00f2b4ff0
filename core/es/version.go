package es

import "log/slog"

// Version is the number of events committed to an aggregate stream.
// It starts at 0 for an aggregate with no events and increases by one per
// committed event. Version is the sole optimistic-concurrency token: an
// append is accepted only if the version it expects still matches the
// stream's stored version.
type Version uint64

func (v Version) Uint64() uint64 { return uint64(v) }

func (v Version) SlogAttr() slog.Attr                  { return slog.Uint64("version", uint64(v)) }
func (v Version) SlogAttrWithKey(key string) slog.Attr { return slog.Uint64(key, uint64(v)) }
