/*
Copyright 2025 The gitops-deploy Authors All rights reserved.

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

package deploy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// crashMarker is a minimal write-ahead token.  It is written before the
// first mutating phase of an attempt and removed only at a terminal state;
// its presence at process start is the sole signal that a deployment was
// interrupted mid-flight.  No other component reads it.
type crashMarker struct {
	StartedAt  time.Time `json:"startedAt"`
	Reason     Reason    `json:"reason"`
	FromCommit string    `json:"fromCommit"`
	ToCommit   string    `json:"toCommit"`
}

// markerStore persists the crash marker at a fixed path.
type markerStore struct {
	path string
}

func newMarkerStore(path string) *markerStore {
	return &markerStore{path: path}
}

// Write persists the marker.  The write goes through a temp file and rename
// so a crash mid-write cannot leave a torn marker.
func (m *markerStore) Write(marker crashMarker) error {
	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(m.path), ".tmp-marker-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), m.path)
}

// Read returns the marker and whether one exists.  A marker that exists but
// cannot be parsed still counts as present - the interruption is real even
// if the details are gone.
func (m *markerStore) Read() (crashMarker, bool, error) {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return crashMarker{}, false, nil
	}
	if err != nil {
		return crashMarker{}, false, err
	}
	var marker crashMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		return crashMarker{}, true, nil
	}
	return marker, true, nil
}

// Remove deletes the marker.  Removing an absent marker is not an error.
func (m *markerStore) Remove() error {
	err := os.Remove(m.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
