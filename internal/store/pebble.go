package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cockroachdb/pebble"

	pkgerr "github.com/multi-agent/convsync/pkg/errors"
	"github.com/multi-agent/convsync/pkg/logger"
)

// pebble key 格式: thread-run:<threadID>
const pebbleRunPrefix = "thread-run:"

// PebbleRunStore 客户端本地持久化, 进程重启后仍可恢复。
type PebbleRunStore struct {
	db *pebble.DB
}

var _ RunStore = (*PebbleRunStore)(nil)

// OpenPebbleRunStore 打开 (或创建) path 处的 Pebble 数据库。
func OpenPebbleRunStore(path string) (*PebbleRunStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("store: pebble open failed", logger.FieldPath, path, logger.FieldError, err)
		return nil, pkgerr.Wrap(err, "PebbleRunStore.Open", path)
	}
	logger.Info("store: pebble opened", logger.FieldPath, path)
	return &PebbleRunStore{db: db}, nil
}

func pebbleKey(threadID string) []byte { return []byte(pebbleRunPrefix + threadID) }

func (s *PebbleRunStore) Get(_ context.Context, threadID string) (string, error) {
	v, closer, err := s.db.Get(pebbleKey(threadID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return "", nil
		}
		return "", pkgerr.Wrap(err, "PebbleRunStore.Get", threadID)
	}
	defer closer.Close()
	var r ThreadRun
	if err := json.Unmarshal(v, &r); err != nil {
		return "", pkgerr.Wrap(err, "PebbleRunStore.Get", "decode record")
	}
	return r.RunID, nil
}

func (s *PebbleRunStore) Put(_ context.Context, threadID, runID string) error {
	data, err := json.Marshal(ThreadRun{ThreadID: threadID, RunID: runID, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return pkgerr.Wrap(err, "PebbleRunStore.Put", "encode record")
	}
	if err := s.db.Set(pebbleKey(threadID), data, pebble.Sync); err != nil {
		return pkgerr.Wrap(err, "PebbleRunStore.Put", threadID)
	}
	return nil
}

func (s *PebbleRunStore) Delete(_ context.Context, threadID string) error {
	if err := s.db.Delete(pebbleKey(threadID), pebble.Sync); err != nil {
		return pkgerr.Wrap(err, "PebbleRunStore.Delete", threadID)
	}
	return nil
}

// List 前缀扫描, 按 key (thread id) 排序。
func (s *PebbleRunStore) List(_ context.Context) ([]ThreadRun, error) {
	prefix := []byte(pebbleRunPrefix)
	upper := append([]byte(pebbleRunPrefix[:len(pebbleRunPrefix)-1]), ':'+1)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, pkgerr.Wrap(err, "PebbleRunStore.List", "new iterator")
	}
	defer iter.Close()

	var out []ThreadRun
	for iter.First(); iter.Valid(); iter.Next() {
		var r ThreadRun
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			logger.Warn("store: skip undecodable pebble record", "key", string(iter.Key()), logger.FieldError, err)
			continue
		}
		out = append(out, r)
	}
	if err := iter.Error(); err != nil {
		return nil, pkgerr.Wrap(err, "PebbleRunStore.List", "iterate")
	}
	return out, nil
}

func (s *PebbleRunStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
