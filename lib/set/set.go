/*
Copyright 2021-2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package set

import (
	"sort"
	"strings"
)

// Set is a set of comparable values.
type Set[T comparable] map[T]struct{}

// New returns a set holding elems.
func New[T comparable](elems ...T) Set[T] {
	set := make(Set[T], len(elems))
	set.Add(elems...)
	return set
}

// Add inserts elements to the set.
func (set Set[T]) Add(elems ...T) {
	for _, elem := range elems {
		set[elem] = struct{}{}
	}
}

// Del removes an element from the set.
func (set Set[T]) Del(elem T) {
	delete(set, elem)
}

// Len returns a set size.
func (set Set[T]) Len() int {
	return len(set)
}

// Contains checks if the set includes a given element.
func (set Set[T]) Contains(elem T) bool {
	_, ok := set[elem]
	return ok
}

// ToSlice returns a slice with set contents in no particular order.
func (set Set[T]) ToSlice() []T {
	if n := set.Len(); n > 0 {
		result := make([]T, 0, n)
		for elem := range set {
			result = append(result, elem)
		}
		return result
	}
	return nil
}

// Strings is a set of strings.
type Strings = Set[string]

// NewStrings returns a string set holding elems.
func NewStrings(elems ...string) Strings {
	return New(elems...)
}

// Join returns sorted set contents joined with sep.
func Join(set Strings, sep string) string {
	elems := set.ToSlice()
	sort.Strings(elems)
	return strings.Join(elems, sep)
}

// ContainsFold checks for str ignoring case. Set elements are expected in upper case.
func ContainsFold(set Strings, str string) bool {
	return set.Contains(strings.ToUpper(str))
}
