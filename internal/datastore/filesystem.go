package datastore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/nuetzliches/queuestash/internal/message"
)

const (
	objectsDir = "objects"
	keysDir    = "keys"
	// typeIndexKey indexes objects by type tag next to the declared keys.
	typeIndexKey = "_type"

	maxObjectNameLen = 200
	maxIndexNameLen  = 200
)

// objectCounter orders object names created by this process.
var objectCounter atomic.Uint64

type FilesystemOption func(*FilesystemStore)

func WithFilesystemContextID(id string) FilesystemOption {
	return func(s *FilesystemStore) {
		if strings.TrimSpace(id) != "" {
			s.contextID = strings.TrimSpace(id)
		}
	}
}

func WithFilesystemRegistry(r *message.Registry) FilesystemOption {
	return func(s *FilesystemStore) {
		if r != nil {
			s.registry = r
		}
	}
}

func WithFilesystemLogger(l *slog.Logger) FilesystemOption {
	return func(s *FilesystemStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// FilesystemStore keeps one file per message under objects/ and a
// secondary index of symlinks under keys/<key>/<value>/. It supports add,
// lookup and removal only, and gives no mutual exclusion between
// processes sharing a root.
type FilesystemStore struct {
	root      string
	contextID string
	registry  *message.Registry
	logger    *slog.Logger
}

var _ Store = (*FilesystemStore)(nil)

func NewFilesystemStore(root string, opts ...FilesystemOption) (*FilesystemStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("filesystem: empty root")
	}
	s := &FilesystemStore{
		root:      root,
		contextID: uuid.NewString(),
		registry:  message.Default,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, dir := range []string{s.root, filepath.Join(s.root, objectsDir), filepath.Join(s.root, keysDir)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("filesystem: %w", err)
		}
	}
	return s, nil
}

func (s *FilesystemStore) Capabilities() Capabilities { return Capabilities{Consume: false} }

func (s *FilesystemStore) objectName(keys map[string]string) string {
	seq := strconv.FormatUint(objectCounter.Add(1), 10)
	prefix := EscapeValue(s.contextID)

	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString(prefix)
	for _, k := range names {
		b.WriteByte('-')
		b.WriteString(EscapeValue(k))
		b.WriteByte('=')
		b.WriteString(EscapeValue(keys[k]))
	}
	if b.Len()+len(seq)+1 > maxObjectNameLen {
		return prefix + "-" + seq
	}
	b.WriteByte('-')
	b.WriteString(seq)
	return b.String()
}

func (s *FilesystemStore) linkPath(key, value, name string) string {
	return filepath.Join(s.root, keysDir, indexComponent(key), indexComponent(value), name)
}

// indexComponent is EscapeValue capped at maxIndexNameLen. Longer names
// become "%%" plus the sha256 of v; EscapeValue never emits "%%".
func indexComponent(v string) string {
	e := EscapeValue(v)
	if len(e) <= maxIndexNameLen {
		return e
	}
	sum := sha256.Sum256([]byte(v))
	return "%%" + hex.EncodeToString(sum[:])
}

func (s *FilesystemStore) indexKeys(msg message.Message) map[string]string {
	keys := msg.Keys()
	keys[message.CorrelationKey] = msg.CorrelationID()
	keys[typeIndexKey] = msg.MessageType()
	return keys
}

func (s *FilesystemStore) Add(_ context.Context, msg message.Message) error {
	if err := message.Validate(msg); err != nil {
		return err
	}
	payload, err := s.registry.Encode(msg)
	if err != nil {
		return err
	}
	keys := s.indexKeys(msg)
	delete(keys, typeIndexKey)
	name := s.objectName(keys)
	keys[typeIndexKey] = msg.MessageType()

	objPath := filepath.Join(s.root, objectsDir, name)
	var body bytes.Buffer
	body.WriteString(msg.MessageType())
	body.WriteByte('\n')
	body.Write(payload)
	if err := writeNewFile(objPath, body.Bytes()); err != nil {
		return fmt.Errorf("filesystem: write object: %w", err)
	}

	target := filepath.Join("..", "..", "..", objectsDir, name)
	created := make([]string, 0, len(keys))
	for k, v := range keys {
		link := s.linkPath(k, v, name)
		err := os.MkdirAll(filepath.Dir(link), 0o700)
		if err == nil {
			err = os.Symlink(target, link)
		}
		if err == nil {
			created = append(created, link)
			continue
		}
		for _, l := range created {
			s.unlink(l)
		}
		_ = os.Remove(objPath)
		return fmt.Errorf("filesystem: index %s: %w", k, err)
	}
	return nil
}

func writeNewFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}

// candidates lists object names indexed under correlationID, oldest first.
func (s *FilesystemStore) candidates(correlationID string) ([]string, error) {
	dir := filepath.Join(s.root, keysDir, indexComponent(message.CorrelationKey), indexComponent(correlationID))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("filesystem: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Slice(names, func(i, j int) bool { return objectSeq(names[i]) < objectSeq(names[j]) })
	return names, nil
}

func objectSeq(name string) uint64 {
	i := strings.LastIndexByte(name, '-')
	n, _ := strconv.ParseUint(name[i+1:], 10, 64)
	return n
}

func (s *FilesystemStore) hasType(tag, name string) bool {
	if tag == "" {
		return true
	}
	_, err := os.Lstat(s.linkPath(typeIndexKey, tag, name))
	return err == nil
}

func (s *FilesystemStore) readObject(name string) (message.Message, error) {
	data, err := os.ReadFile(filepath.Join(s.root, objectsDir, name))
	if err != nil {
		return nil, err
	}
	tag, payload, ok := bytes.Cut(data, []byte{'\n'})
	if !ok {
		return nil, fmt.Errorf("%w: object %s has no type line", message.ErrDecode, name)
	}
	return s.registry.Decode(string(tag), payload)
}

// Lookup returns the oldest message with the given correlation id and,
// when typ is set, type. It does not remove it. Nil when none matches.
func (s *FilesystemStore) Lookup(_ context.Context, typ, correlationID string) (message.Message, error) {
	names, err := s.candidates(correlationID)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if !s.hasType(typ, name) {
			continue
		}
		msg, err := s.readObject(name)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		return msg, nil
	}
	return nil, nil
}

func (s *FilesystemStore) RemoveAll(_ context.Context, prototype message.Message) (int, error) {
	if err := message.Validate(prototype); err != nil {
		return 0, err
	}
	return s.remove(prototype.MessageType(), prototype.CorrelationID())
}

func (s *FilesystemStore) RemoveByID(_ context.Context, correlationID string) (int, error) {
	if correlationID == "" {
		return 0, message.ErrMissingCorrelationID
	}
	return s.remove("", correlationID)
}

func (s *FilesystemStore) remove(typ, correlationID string) (int, error) {
	names, err := s.candidates(correlationID)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, name := range names {
		if !s.hasType(typ, name) {
			continue
		}
		links := s.linksFor(name)
		if err := os.Remove(filepath.Join(s.root, objectsDir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("filesystem: remove object: %w", err)
		}
		for _, l := range links {
			s.unlink(l)
		}
		removed++
	}
	return removed, nil
}

// linksFor finds every index link of an object, from its decoded keys when
// possible and by scanning the index otherwise.
func (s *FilesystemStore) linksFor(name string) []string {
	if msg, err := s.readObject(name); err == nil {
		keys := s.indexKeys(msg)
		out := make([]string, 0, len(keys))
		for k, v := range keys {
			out = append(out, s.linkPath(k, v, name))
		}
		return out
	}

	var out []string
	root := filepath.Join(s.root, keysDir)
	keyDirs, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	for _, kd := range keyDirs {
		valDirs, err := os.ReadDir(filepath.Join(root, kd.Name()))
		if err != nil {
			continue
		}
		for _, vd := range valDirs {
			p := filepath.Join(root, kd.Name(), vd.Name(), name)
			if _, err := os.Lstat(p); err == nil {
				out = append(out, p)
			}
		}
	}
	return out
}

// unlink removes an index link and prunes the value and key directories
// if that left them empty. Pruning races with concurrent adds are logged.
func (s *FilesystemStore) unlink(link string) {
	if err := os.Remove(link); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("filesystem_unlink_failed", slog.String("path", link), slog.Any("err", err))
		return
	}
	valueDir := filepath.Dir(link)
	keyDir := filepath.Dir(valueDir)
	for _, dir := range []string{valueDir, keyDir} {
		if !isEmptyDir(dir) {
			return
		}
		if err := os.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Debug("filesystem_prune_failed", slog.String("path", dir), slog.Any("err", err))
			return
		}
	}
}

func isEmptyDir(dir string) bool {
	f, err := os.Open(dir)
	if err != nil {
		return false
	}
	defer f.Close()
	names, err := f.Readdirnames(1)
	return len(names) == 0 && err != nil
}

func (s *FilesystemStore) Consume(context.Context, ConsumeRequest) (message.Message, error) {
	return nil, fmt.Errorf("filesystem: consume: %w", ErrNotSupported)
}

func (s *FilesystemStore) Ack(context.Context) error {
	return fmt.Errorf("filesystem: ack: %w", ErrNotSupported)
}

func (s *FilesystemStore) ReturnToQueue(context.Context) error {
	return fmt.Errorf("filesystem: return: %w", ErrNotSupported)
}

func (s *FilesystemStore) Close() error { return nil }
