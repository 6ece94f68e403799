// Package storeconfig manages per-store pipeline configuration: the menu
// catalog, the allowed modification list, and the LLM settings. Each store
// lives in its own directory of three JSON files. Configs hot-reload: a
// per-file fingerprint is recomputed on every read and the cached entry is
// only served while all three fingerprints still match what is on disk.
package storeconfig

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/orderdesk/posgate/internal/config"
	"github.com/orderdesk/posgate/pkg/models"
)

const (
	menuCatalogFile = "menu_catalog.json"
	allowedModsFile = "allowed_mods.json"
	llmConfigFile   = "llm_config.json"

	defaultTimeoutS = 15.0
	minTimeoutS     = 2.0
	maxTimeoutS     = 60.0
)

// supportedProviders is the closed provider set; anything else is coerced.
var supportedProviders = map[string]bool{"openai": true}

// fingerprint identifies one on-disk file state.
type fingerprint struct {
	exists bool
	size   int64
	mtime  int64
}

type cacheEntry struct {
	cfg    *models.StoreConfig
	apiKey string
	prints [3]fingerprint
}

// Store serves per-store configs from <root>/stores/<store_id>/.
type Store struct {
	root     string
	defaults config.LLMConfig

	mu    sync.Mutex
	cache map[string]*cacheEntry

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New creates a config store rooted at dataDir/stores, seeding the layout
// on demand. The fsnotify watcher invalidates cached entries eagerly on
// external edits; the fingerprint check on GetConfig remains authoritative.
func New(dataDir string, defaults config.LLMConfig) (*Store, error) {
	root := filepath.Join(dataDir, "stores")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store config root: %w", err)
	}

	s := &Store{
		root:     root,
		defaults: defaults,
		cache:    make(map[string]*cacheEntry),
		done:     make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable, relying on fingerprint checks only")
	} else {
		s.watcher = watcher
		if err := watcher.Add(root); err != nil {
			log.Warn().Err(err).Str("dir", root).Msg("Cannot watch store config root")
		}
		go s.watchLoop()
	}
	return s, nil
}

// Close stops the watcher goroutine.
func (s *Store) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *Store) watchLoop() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			storeID := filepath.Base(filepath.Dir(event.Name))
			if storeID == "stores" {
				// A store directory itself was created; watch it.
				if event.Op.Has(fsnotify.Create) {
					_ = s.watcher.Add(event.Name)
				}
				continue
			}
			s.Invalidate(storeID)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

// NormalizeStoreID lowercases and strips the id down to [a-z0-9_-], capped
// at 64 chars. Empty or fully-stripped ids resolve to "default".
func NormalizeStoreID(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	id := b.String()
	if len(id) > 64 {
		id = id[:64]
	}
	if id == "" {
		return "default"
	}
	return id
}

// GetConfig returns the store's config, re-reading files whose fingerprint
// moved. First reference seeds the store directory with defaults.
func (s *Store) GetConfig(storeID string) (*models.StoreConfig, error) {
	id := NormalizeStoreID(storeID)
	dir := filepath.Join(s.root, id)

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := s.seed(id, dir); err != nil {
			return nil, err
		}
	}

	prints := [3]fingerprint{
		fileFingerprint(filepath.Join(dir, menuCatalogFile)),
		fileFingerprint(filepath.Join(dir, allowedModsFile)),
		fileFingerprint(filepath.Join(dir, llmConfigFile)),
	}

	s.mu.Lock()
	entry, ok := s.cache[id]
	if ok && entry.prints == prints {
		cfg := copyConfig(entry.cfg)
		s.mu.Unlock()
		return cfg, nil
	}
	s.mu.Unlock()

	cfg, apiKey, err := s.load(id, dir)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[id] = &cacheEntry{cfg: copyConfig(cfg), apiKey: apiKey, prints: prints}
	s.mu.Unlock()
	return cfg, nil
}

// APIKey returns the live secret for a store's LLM config. Kept off the
// StoreConfig struct so it can never leak through a JSON response.
func (s *Store) APIKey(storeID string) (string, error) {
	id := NormalizeStoreID(storeID)
	if _, err := s.GetConfig(id); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.cache[id]; ok {
		return entry.apiKey, nil
	}
	return "", nil
}

// UpdateConfig replaces the menu catalog and/or allowed mods, writing each
// file atomically and invalidating the cache entry.
func (s *Store) UpdateConfig(storeID string, menuCatalog any, allowedMods []string) (*models.StoreConfig, error) {
	id := NormalizeStoreID(storeID)
	if _, err := s.GetConfig(id); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, id)

	if menuCatalog != nil {
		items, err := ParseMenuCatalog(menuCatalog)
		if err != nil {
			return nil, err
		}
		if err := writeJSONAtomic(filepath.Join(dir, menuCatalogFile), items); err != nil {
			return nil, err
		}
	}
	if allowedMods != nil {
		if err := writeJSONAtomic(filepath.Join(dir, allowedModsFile), NormalizeMods(allowedMods)); err != nil {
			return nil, err
		}
	}

	s.Invalidate(id)
	return s.GetConfig(id)
}

// GetLLMConfig returns the store's LLM config with the api key redacted.
func (s *Store) GetLLMConfig(storeID string) (*models.LLMConfig, error) {
	cfg, err := s.GetConfig(storeID)
	if err != nil {
		return nil, err
	}
	llm := cfg.LLMConfig
	return &llm, nil
}

// UpdateLLMConfig applies a partial patch over the stored llm_config.json.
func (s *Store) UpdateLLMConfig(storeID string, patch map[string]any) (*models.LLMConfig, error) {
	id := NormalizeStoreID(storeID)
	if _, err := s.GetConfig(id); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, id)

	current := map[string]any{}
	if data, err := os.ReadFile(filepath.Join(dir, llmConfigFile)); err == nil {
		_ = json.Unmarshal(data, &current)
	}
	for key, value := range patch {
		if value == nil {
			delete(current, key)
			continue
		}
		current[key] = value
	}
	if err := writeJSONAtomic(filepath.Join(dir, llmConfigFile), current); err != nil {
		return nil, err
	}

	s.Invalidate(id)
	return s.GetLLMConfig(id)
}

// ListStores returns the known store ids, sorted.
func (s *Store) ListStores() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Invalidate drops the cached entry for one store, or all stores when the
// id is empty.
func (s *Store) Invalidate(storeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if storeID == "" {
		s.cache = make(map[string]*cacheEntry)
		return
	}
	delete(s.cache, NormalizeStoreID(storeID))
}

// ── Loading & normalization ──────────────────────────────────

func (s *Store) seed(id, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("seed store %s: %w", id, err)
	}
	if err := writeJSONAtomic(filepath.Join(dir, menuCatalogFile), []models.MenuItem{}); err != nil {
		return err
	}
	if err := writeJSONAtomic(filepath.Join(dir, allowedModsFile), []string{}); err != nil {
		return err
	}
	seedLLM := map[string]any{
		"provider":  s.defaults.Provider,
		"model":     s.defaults.Model,
		"timeout_s": s.defaults.TimeoutS,
	}
	if s.defaults.Enabled != nil {
		seedLLM["enabled"] = *s.defaults.Enabled
	}
	if s.defaults.APIKey != "" {
		seedLLM["api_key"] = s.defaults.APIKey
	}
	if err := writeJSONAtomic(filepath.Join(dir, llmConfigFile), seedLLM); err != nil {
		return err
	}
	if s.watcher != nil {
		_ = s.watcher.Add(dir)
	}
	log.Info().Str("store", id).Msg("Store config seeded")
	return nil
}

func (s *Store) load(id, dir string) (*models.StoreConfig, string, error) {
	var rawCatalog any
	if data, err := os.ReadFile(filepath.Join(dir, menuCatalogFile)); err == nil && len(data) > 0 {
		if err := json.Unmarshal(data, &rawCatalog); err != nil {
			return nil, "", fmt.Errorf("store %s: malformed %s: %w", id, menuCatalogFile, err)
		}
	}
	items, err := ParseMenuCatalog(rawCatalog)
	if err != nil {
		return nil, "", fmt.Errorf("store %s: %w", id, err)
	}

	var rawMods []string
	if data, err := os.ReadFile(filepath.Join(dir, allowedModsFile)); err == nil && len(data) > 0 {
		if err := json.Unmarshal(data, &rawMods); err != nil {
			return nil, "", fmt.Errorf("store %s: allowed_mods must be a list of strings: %w", id, err)
		}
	}
	mods := NormalizeMods(rawMods)

	rawLLM := map[string]any{}
	if data, err := os.ReadFile(filepath.Join(dir, llmConfigFile)); err == nil && len(data) > 0 {
		if err := json.Unmarshal(data, &rawLLM); err != nil {
			return nil, "", fmt.Errorf("store %s: malformed %s: %w", id, llmConfigFile, err)
		}
	}
	llm, apiKey := normalizeLLM(rawLLM, s.defaults)

	cfg := &models.StoreConfig{
		StoreID:            id,
		MenuCatalog:        items,
		AllowedMods:        mods,
		LLMConfig:          llm,
		MenuCatalogVersion: contentVersion(items),
		AllowedModsVersion: contentVersion(mods),
		LLMConfigVersion:   contentVersion(llmVersionPayload(llm, apiKey)),
	}
	return cfg, apiKey, nil
}

// ParseMenuCatalog accepts either a list of item objects or a mapping from
// id to object/name, and normalizes to []MenuItem. Each list entry must
// carry at least one of item_id, id, canonical_name, name.
func ParseMenuCatalog(raw any) ([]models.MenuItem, error) {
	switch value := raw.(type) {
	case nil:
		return []models.MenuItem{}, nil
	case []models.MenuItem:
		return value, nil
	case []any:
		items := make([]models.MenuItem, 0, len(value))
		for i, rawEntry := range value {
			obj, ok := rawEntry.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("menu_catalog[%d]: entries must be objects", i)
			}
			item, ok := menuItemFromObject("", obj)
			if !ok {
				return nil, fmt.Errorf("menu_catalog[%d]: entry needs one of item_id, id, canonical_name, name", i)
			}
			items = append(items, item)
		}
		return items, nil
	case map[string]any:
		keys := make([]string, 0, len(value))
		for key := range value {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		items := make([]models.MenuItem, 0, len(keys))
		for _, key := range keys {
			switch payload := value[key].(type) {
			case string:
				items = append(items, models.MenuItem{ItemID: key, CanonicalName: payload})
			case map[string]any:
				item, _ := menuItemFromObject(key, payload)
				items = append(items, item)
			case []any:
				names := stringSlice(payload)
				item := models.MenuItem{ItemID: key, CanonicalName: key}
				if len(names) > 0 {
					item.CanonicalName = names[0]
					item.Aliases = names[1:]
				}
				items = append(items, item)
			default:
				return nil, fmt.Errorf("menu_catalog[%s]: unsupported entry shape", key)
			}
		}
		return items, nil
	default:
		return nil, fmt.Errorf("menu_catalog must be a list of items or a mapping from id to item")
	}
}

func menuItemFromObject(fallbackID string, obj map[string]any) (models.MenuItem, bool) {
	itemID := strings.TrimSpace(firstString(obj, "item_id", "id"))
	name := strings.TrimSpace(firstString(obj, "canonical_name", "name"))
	if itemID == "" && name == "" && fallbackID == "" {
		return models.MenuItem{}, false
	}
	if itemID == "" {
		itemID = fallbackID
	}
	if itemID == "" {
		itemID = name
	}
	if name == "" {
		name = itemID
	}

	item := models.MenuItem{ItemID: itemID, CanonicalName: name}
	if aliases, ok := obj["aliases"]; ok {
		item.Aliases = coerceAliases(aliases)
	} else if alias, ok := obj["alias"]; ok {
		item.Aliases = coerceAliases(alias)
	}
	if soldOut, ok := obj["sold_out"].(bool); ok {
		item.SoldOut = soldOut
	}
	return item, true
}

func coerceAliases(raw any) []string {
	switch value := raw.(type) {
	case string:
		if text := strings.TrimSpace(value); text != "" {
			return []string{text}
		}
	case []any:
		return stringSlice(value)
	case map[string]any:
		keys := make([]string, 0, len(value))
		for key := range value {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		var aliases []string
		for _, key := range keys {
			if text, ok := value[key].(string); ok && strings.TrimSpace(text) != "" {
				aliases = append(aliases, strings.TrimSpace(text))
			}
		}
		return aliases
	}
	return nil
}

func stringSlice(raw []any) []string {
	var out []string
	for _, v := range raw {
		if text, ok := v.(string); ok && strings.TrimSpace(text) != "" {
			out = append(out, strings.TrimSpace(text))
		}
	}
	return out
}

// NormalizeMods deduplicates preserving first-seen order and drops empties.
func NormalizeMods(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, mod := range raw {
		token := strings.TrimSpace(mod)
		if token == "" || seen[token] {
			continue
		}
		seen[token] = true
		out = append(out, token)
	}
	return out
}

func normalizeLLM(raw map[string]any, defaults config.LLMConfig) (models.LLMConfig, string) {
	provider := strings.ToLower(strings.TrimSpace(firstString(raw, "provider")))
	if provider == "" {
		provider = defaults.Provider
	}
	if !supportedProviders[provider] {
		provider = "openai"
	}

	model := strings.TrimSpace(firstString(raw, "model"))
	if model == "" {
		model = defaults.Model
	}

	timeout := defaults.TimeoutS
	if timeout <= 0 {
		timeout = defaultTimeoutS
	}
	if value, ok := raw["timeout_s"].(float64); ok && value > 0 {
		timeout = value
	}
	if timeout < minTimeoutS {
		timeout = minTimeoutS
	}
	if timeout > maxTimeoutS {
		timeout = maxTimeoutS
	}

	apiKey := strings.TrimSpace(firstString(raw, "api_key"))
	if apiKey == "" {
		apiKey = defaults.APIKey
	}

	var enabled *bool
	if value, ok := raw["enabled"].(bool); ok {
		enabled = &value
	} else if raw["enabled"] == nil {
		enabled = defaults.Enabled
	}

	return models.LLMConfig{
		Provider:       provider,
		Model:          model,
		TimeoutS:       timeout,
		Enabled:        enabled,
		APIKeyRedacted: RedactAPIKey(apiKey),
	}, apiKey
}

// RedactAPIKey shows prefix***suffix for long keys, *** otherwise. The raw
// key is never exposed through a read path.
func RedactAPIKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) < 10 {
		return "***"
	}
	return key[:4] + "***" + key[len(key)-2:]
}

// ── Versions & file helpers ──────────────────────────────────

// contentVersion is the 16-hex-char prefix of SHA-256 over canonical JSON.
// encoding/json sorts map keys, so marshaling normalized content is stable.
func contentVersion(content any) string {
	data, err := json.Marshal(content)
	if err != nil {
		return "0000000000000000"
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

func llmVersionPayload(llm models.LLMConfig, apiKey string) map[string]any {
	payload := map[string]any{
		"provider":  llm.Provider,
		"model":     llm.Model,
		"timeout_s": llm.TimeoutS,
		"api_key":   apiKey,
	}
	if llm.Enabled != nil {
		payload["enabled"] = *llm.Enabled
	} else {
		payload["enabled"] = nil
	}
	return payload
}

func fileFingerprint(path string) fingerprint {
	info, err := os.Stat(path)
	if err != nil {
		return fingerprint{}
	}
	return fingerprint{exists: true, size: info.Size(), mtime: info.ModTime().UnixNano()}
}

func writeJSONAtomic(path string, content any) error {
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func firstString(obj map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := obj[key].(string); ok && strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func copyConfig(cfg *models.StoreConfig) *models.StoreConfig {
	out := *cfg
	out.MenuCatalog = append([]models.MenuItem(nil), cfg.MenuCatalog...)
	out.AllowedMods = append([]string(nil), cfg.AllowedMods...)
	return &out
}
