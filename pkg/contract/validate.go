package contract

import (
	"fmt"
	"strings"
)

// ValidatePayload 校验载荷对批的结构不变量（纯函数，无 I/O）：
//   - 分组键非空，条目的 Group 与所在分组一致；
//   - 每个 Index 取自批内，且只出现一次；
//   - 批内每条记录都获得分类。
//
// 违例返回包裹 ErrResponseInvalid 的错误（并细分 ErrIndexInvalid / ErrIncomplete）。
func ValidatePayload(b Batch, p Payload) error {
	if len(b.Records) == 0 {
		return fmt.Errorf("%w: empty batch", ErrInvalidInput)
	}
	want := make(map[Index]struct{}, len(b.Records))
	for _, r := range b.Records {
		want[r.Index] = struct{}{}
	}
	seen := make(map[Index]struct{}, len(b.Records))
	for _, g := range p {
		if strings.TrimSpace(g.Key) == "" {
			return fmt.Errorf("%w: empty group key", ErrResponseInvalid)
		}
		for _, it := range g.Items {
			if it.Group != g.Key {
				return fmt.Errorf("%w: item %d filed under %q, carries %q", ErrResponseInvalid, it.Index, g.Key, it.Group)
			}
			if _, ok := want[it.Index]; !ok {
				return fmt.Errorf("%w: %w: index %d not in batch", ErrResponseInvalid, ErrIndexInvalid, it.Index)
			}
			if _, dup := seen[it.Index]; dup {
				return fmt.Errorf("%w: %w: index %d repeated", ErrResponseInvalid, ErrIndexInvalid, it.Index)
			}
			seen[it.Index] = struct{}{}
		}
	}
	if len(seen) != len(want) {
		for _, r := range b.Records {
			if _, ok := seen[r.Index]; !ok {
				return fmt.Errorf("%w: %w: index %d missing (%d/%d classified)", ErrResponseInvalid, ErrIncomplete, r.Index, len(seen), len(want))
			}
		}
	}
	return nil
}
