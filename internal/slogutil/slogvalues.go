// Copyright (C) 2025 The LCP Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package slogutil holds shared slog attribute constructors so that log
// lines use the same keys everywhere.
package slogutil

import "log/slog"

func Address(v any) slog.Attr {
	return slog.Any("address", v)
}

func Error(err any) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

func FilePath(path string) slog.Attr {
	return slog.String("path", path)
}

func Peer(name string) slog.Attr {
	return slog.String("peer", name)
}
