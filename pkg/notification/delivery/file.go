/*
Copyright 2025 Jordi Gil.

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

package delivery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileDeliveryService writes each Notification as a plain text file
// under dir — the development/offline reference backend, and the one
// exercised directly by tests without any external transport.
type FileDeliveryService struct {
	dir string
}

// NewFileDeliveryService returns a Service that writes notifications
// under dir, creating it on first use.
func NewFileDeliveryService(dir string) *FileDeliveryService {
	return &FileDeliveryService{dir: dir}
}

// Deliver writes n to a new timestamped file under the service's
// directory. Directory-creation and write failures are both wrapped
// as *RetryableError (NT-BUG-006): a permission-denied parent
// directory or a full disk are transient operational conditions, not
// reasons to drop the escalation on the floor.
func (s *FileDeliveryService) Deliver(ctx context.Context, n *Notification) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return &RetryableError{Op: "failed to create output directory", Cause: err}
	}

	name := fmt.Sprintf("%s-%s.txt", time.Now().UTC().Format("20060102T150405.000000000"), sanitizeFilename(n.Subject))
	path := filepath.Join(s.dir, name)
	content := n.Subject + "\n\n" + n.Body + "\n"

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return &RetryableError{Op: "failed to write temporary file", Cause: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &RetryableError{Op: "failed to finalize notification file", Cause: err}
	}
	return nil
}

func sanitizeFilename(subject string) string {
	var b strings.Builder
	for _, r := range subject {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "notification"
	}
	out := b.String()
	if len(out) > 60 {
		out = out[:60]
	}
	return out
}
