// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package util

import (
	"reflect"
	"strconv"
	"strings"
)

type defaultParser interface {
	ParseDefault(string) error
}

// SetDefaults sets default values on a struct, based on the default annotation.
// Nested structs are handled recursively.
func SetDefaults(data interface{}) {
	s := reflect.ValueOf(data).Elem()
	t := s.Type()

	for i := 0; i < s.NumField(); i++ {
		f := s.Field(i)
		tag := t.Field(i).Tag

		v := tag.Get("default")
		if len(v) > 0 {
			if f.CanAddr() && f.Addr().CanInterface() {
				if parser, ok := f.Addr().Interface().(defaultParser); ok {
					if err := parser.ParseDefault(v); err != nil {
						panic(err)
					}
					continue
				}
			}

			switch f.Kind() {
			case reflect.String:
				f.SetString(v)

			case reflect.Int, reflect.Int32, reflect.Int64:
				i, err := strconv.ParseInt(v, 10, 64)
				if err != nil {
					panic(err)
				}
				f.SetInt(i)

			case reflect.Uint, reflect.Uint32, reflect.Uint64:
				i, err := strconv.ParseUint(v, 10, 64)
				if err != nil {
					panic(err)
				}
				f.SetUint(i)

			case reflect.Float32, reflect.Float64:
				i, err := strconv.ParseFloat(v, 64)
				if err != nil {
					panic(err)
				}
				f.SetFloat(i)

			case reflect.Bool:
				f.SetBool(v == "true")

			case reflect.Slice:
				// Slices are filled after decoding, a default set here would
				// be appended to by the decoders.

			default:
				panic(f.Type())
			}
		} else if f.CanSet() && f.Kind() == reflect.Struct && f.CanAddr() {
			if addr := f.Addr(); addr.CanInterface() {
				SetDefaults(addr.Interface())
			}
		}
	}
}

// UniqueTrimmedStrings returns a list of unique strings, trimming at the same
// time. Empty strings are dropped.
func UniqueTrimmedStrings(ss []string) []string {
	m := make(map[string]struct{}, len(ss))
	us := make([]string, 0, len(ss))
	for _, v := range ss {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := m[v]; ok {
			continue
		}
		m[v] = struct{}{}
		us = append(us, v)
	}
	return us
}
