package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"opscore/internal/domain"
	"opscore/internal/opserr"
)

// Redis is the production Store backend: every record is a JSON blob under a
// structured key, per spec §4.1's "Redis-backed encoding" clause.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an already-configured *redis.Client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func regKey(agentID string) string     { return fmt.Sprintf("agent:%s:registration", agentID) }
func latestKey(agentID string) string  { return fmt.Sprintf("agent:%s:state:latest", agentID) }
func historyKey(agentID string) string { return fmt.Sprintf("agent:%s:state:history", agentID) }
func sessionKey(id string) string      { return fmt.Sprintf("session:%s", id) }
func workflowKey(id string) string     { return fmt.Sprintf("workflow:%s", id) }

// sessionIndexKey is not part of spec §4.1's key scheme; it is an auxiliary
// set used only to implement ListSessionsByAgent (spec §11 "Supplemented
// features") without a full table scan.
func sessionIndexKey(agentID string) string { return fmt.Sprintf("agent:%s:sessions", agentID) }

// defIndexKey is the auxiliary set backing ListWorkflowDefinitions, the
// other §11 supplement.
const defIndexKey = "workflow:index"

func storageErr(cause error, format string, args ...any) error {
	return opserr.Wrap(opserr.KindStorageError, cause, format, args...)
}

func (r *Redis) SaveAgentRegistration(ctx context.Context, reg domain.AgentRegistration) error {
	key := regKey(reg.AgentID)
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return storageErr(err, "check registration %s", reg.AgentID)
	}
	if n > 0 {
		return opserr.New(opserr.KindAgentAlreadyExists, "agent %s already registered", reg.AgentID)
	}
	data, err := json.Marshal(reg)
	if err != nil {
		return storageErr(err, "marshal registration %s", reg.AgentID)
	}
	if err := r.client.Set(ctx, key, data, 0).Err(); err != nil {
		return storageErr(err, "save registration %s", reg.AgentID)
	}
	return nil
}

func (r *Redis) ReadAgentRegistration(ctx context.Context, agentID string) (domain.AgentRegistration, error) {
	var reg domain.AgentRegistration
	data, err := r.client.Get(ctx, regKey(agentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return reg, opserr.New(opserr.KindAgentNotFound, "agent %s not registered", agentID)
	}
	if err != nil {
		return reg, storageErr(err, "read registration %s", agentID)
	}
	if err := json.Unmarshal(data, &reg); err != nil {
		return reg, storageErr(err, "decode registration %s", agentID)
	}
	return reg, nil
}

func (r *Redis) AgentExists(ctx context.Context, agentID string) (bool, error) {
	n, err := r.client.Exists(ctx, regKey(agentID)).Result()
	if err != nil {
		return false, storageErr(err, "check agent %s", agentID)
	}
	return n > 0, nil
}

// compareAndSetLatest is the race-free latest-state write spec §4.1
// demands: "read existing latest.timestamp, compare, write only if newer".
// It runs as a single Lua script so the read-compare-write is atomic under
// concurrent callbacks for the same agent, rather than a client-side
// transaction built from separate GET/SET round trips.
var compareAndSetLatest = redis.NewScript(`
local key = KEYS[1]
local newTs = tonumber(ARGV[1])
local newVal = ARGV[2]
local cur = redis.call('GET', key)
if cur == false then
  redis.call('SET', key, newVal)
  return 1
end
local ok, decoded = pcall(cjson.decode, cur)
if not ok or decoded.timestamp == nil then
  redis.call('SET', key, newVal)
  return 1
end
if newTs >= decoded.timestamp then
  redis.call('SET', key, newVal)
  return 1
end
return 0
`)

func (r *Redis) SaveAgentState(ctx context.Context, state domain.AgentStateRecord) error {
	data, err := json.Marshal(state)
	if err != nil {
		return storageErr(err, "marshal state for %s", state.AgentID)
	}
	if err := r.client.LPush(ctx, historyKey(state.AgentID), data).Err(); err != nil {
		return storageErr(err, "append history for %s", state.AgentID)
	}
	// The comparison inside compareAndSetLatest is a plain Lua numeric
	// compare, so the stored "latest" blob carries a unix-nano timestamp
	// instead of the RFC3339 string json.Marshal(state) would produce.
	stored, err := json.Marshal(map[string]any{
		"agentId":   state.AgentID,
		"timestamp": state.Timestamp.UnixNano(),
		"state":     state.State,
		"details":   state.Details,
	})
	if err != nil {
		return storageErr(err, "marshal state for %s", state.AgentID)
	}
	if err := compareAndSetLatest.Run(ctx, r.client, []string{latestKey(state.AgentID)}, state.Timestamp.UnixNano(), stored).Err(); err != nil {
		return storageErr(err, "compare-and-set latest state for %s", state.AgentID)
	}
	return nil
}

func (r *Redis) ReadLatestAgentState(ctx context.Context, agentID string) (domain.AgentStateRecord, error) {
	var rec domain.AgentStateRecord
	data, err := r.client.Get(ctx, latestKey(agentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return rec, opserr.New(opserr.KindAgentNotFound, "no state recorded for agent %s", agentID)
	}
	if err != nil {
		return rec, storageErr(err, "read latest state for %s", agentID)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return rec, storageErr(err, "decode latest state for %s", agentID)
	}
	return decodeStateMap(m), nil
}

func (r *Redis) ReadAgentStateHistory(ctx context.Context, agentID string, limit int) ([]domain.AgentStateRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raw, err := r.client.LRange(ctx, historyKey(agentID), 0, stop).Result()
	if err != nil {
		return nil, storageErr(err, "read history for %s", agentID)
	}
	out := make([]domain.AgentStateRecord, 0, len(raw))
	for _, item := range raw {
		var rec domain.AgentStateRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, storageErr(err, "decode history entry for %s", agentID)
		}
		out = append(out, rec)
	}
	return out, nil
}

// decodeStateMap rebuilds an AgentStateRecord from the Lua-compatible map
// form written by compareAndSetLatest, where "timestamp" is a unix-nano
// number rather than an RFC3339 string.
func decodeStateMap(m map[string]any) domain.AgentStateRecord {
	rec := domain.AgentStateRecord{}
	if v, ok := m["agentId"].(string); ok {
		rec.AgentID = v
	}
	if v, ok := m["state"].(string); ok {
		rec.State = domain.AgentState(v)
	}
	if v, ok := m["details"].(map[string]any); ok {
		rec.Details = v
	}
	switch ts := m["timestamp"].(type) {
	case float64:
		rec.Timestamp = time.Unix(0, int64(ts)).UTC()
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rec.Timestamp = parsed.UTC()
		}
	}
	return rec
}

func (r *Redis) CreateSession(ctx context.Context, session domain.WorkflowSession) error {
	key := sessionKey(session.SessionID)
	data, err := json.Marshal(session)
	if err != nil {
		return storageErr(err, "marshal session %s", session.SessionID)
	}
	ok, err := r.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return storageErr(err, "create session %s", session.SessionID)
	}
	if !ok {
		return opserr.New(opserr.KindInvalidRequest, "session %s already exists", session.SessionID)
	}
	if err := r.client.SAdd(ctx, sessionIndexKey(session.AgentID), session.SessionID).Err(); err != nil {
		return storageErr(err, "index session %s", session.SessionID)
	}
	return nil
}

func (r *Redis) ReadSession(ctx context.Context, sessionID string) (domain.WorkflowSession, error) {
	var s domain.WorkflowSession
	data, err := r.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return s, opserr.New(opserr.KindSessionNotFound, "session %s not found", sessionID)
	}
	if err != nil {
		return s, storageErr(err, "read session %s", sessionID)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, storageErr(err, "decode session %s", sessionID)
	}
	return s, nil
}

func (r *Redis) UpdateSessionData(ctx context.Context, sessionID string, patch domain.SessionPatch, now time.Time) (domain.WorkflowSession, error) {
	s, err := r.ReadSession(ctx, sessionID)
	if err != nil {
		return s, err
	}
	applySessionPatch(&s, patch, now)
	data, err := json.Marshal(s)
	if err != nil {
		return s, storageErr(err, "marshal session %s", sessionID)
	}
	if err := r.client.Set(ctx, sessionKey(sessionID), data, 0).Err(); err != nil {
		return s, storageErr(err, "update session %s", sessionID)
	}
	return s, nil
}

func (r *Redis) DeleteSession(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return storageErr(err, "delete session %s", sessionID)
	}
	return nil
}

func (r *Redis) ListSessionsByAgent(ctx context.Context, agentID string, limit int) ([]domain.WorkflowSession, error) {
	ids, err := r.client.SMembers(ctx, sessionIndexKey(agentID)).Result()
	if err != nil {
		return nil, storageErr(err, "list sessions for %s", agentID)
	}
	out := make([]domain.WorkflowSession, 0, len(ids))
	for _, id := range ids {
		s, err := r.ReadSession(ctx, id)
		if err != nil {
			if opserr.Is(err, opserr.KindSessionNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Redis) SaveWorkflowDefinition(ctx context.Context, def domain.WorkflowDefinition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return storageErr(err, "marshal workflow %s", def.ID)
	}
	if err := r.client.Set(ctx, workflowKey(def.ID), data, 0).Err(); err != nil {
		return storageErr(err, "save workflow %s", def.ID)
	}
	if err := r.client.SAdd(ctx, defIndexKey, def.ID).Err(); err != nil {
		return storageErr(err, "index workflow %s", def.ID)
	}
	return nil
}

func (r *Redis) ReadWorkflowDefinition(ctx context.Context, id string) (domain.WorkflowDefinition, error) {
	var d domain.WorkflowDefinition
	data, err := r.client.Get(ctx, workflowKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return d, opserr.New(opserr.KindWorkflowDefinitionNotFound, "workflow definition %s not found", id)
	}
	if err != nil {
		return d, storageErr(err, "read workflow %s", id)
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return d, storageErr(err, "decode workflow %s", id)
	}
	return d, nil
}

func (r *Redis) ListWorkflowDefinitions(ctx context.Context) ([]domain.WorkflowDefinition, error) {
	ids, err := r.client.SMembers(ctx, defIndexKey).Result()
	if err != nil {
		return nil, storageErr(err, "list workflows")
	}
	out := make([]domain.WorkflowDefinition, 0, len(ids))
	for _, id := range ids {
		d, err := r.ReadWorkflowDefinition(ctx, id)
		if err != nil {
			if opserr.Is(err, opserr.KindWorkflowDefinitionNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Redis) ClearAll(ctx context.Context) error {
	if err := r.client.FlushDB(ctx).Err(); err != nil {
		return storageErr(err, "clear redis db")
	}
	return nil
}
