package rate

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// DeriveKeyFromProviderOptions 从客户端原样 Options JSON 中取出凭据与端点，
// 返回 client:sha256(key|endpoint) 形式的限流分组键。
// 同一 key 打到不同端点（例如不同 Azure 部署）各自计额；mock/flaky 缺省使用内置调试 key。
func DeriveKeyFromProviderOptions(client string, raw json.RawMessage) (LimitKey, error) {
	var obj map[string]any
	_ = json.Unmarshal(raw, &obj)
	pick := func(key string) string {
		if s, ok := obj[key].(string); ok {
			return strings.TrimSpace(s)
		}
		return ""
	}

	key := pick("api_key")
	if key == "" {
		if env := pick("api_key_env"); env != "" {
			key = strings.TrimSpace(os.Getenv(env))
		}
	}
	if key == "" && (client == "mock" || client == "flaky") {
		key = "MOCK_DEBUG_KEY"
	}
	if key == "" {
		return "", fmt.Errorf("rate: missing api key for client %s", client)
	}
	endpoint := pick("base_url")
	if d := pick("deployment"); d != "" {
		endpoint += "#" + d
	}
	sum := sha256.Sum256([]byte(key + "|" + endpoint))
	return LimitKey(fmt.Sprintf("%s:%x", client, sum[:])), nil
}
