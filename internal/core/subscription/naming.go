package subscription

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"tomoon_nexus/internal/shared/apperr"
)

const (
	profileExt      = ".yaml"
	maxNameAttempts = 128
)

var nameReplacer = strings.NewReplacer(" ", "_", "/", "_", "\\", "_")

// sanitizeName 把文件名提示转换为安全的基础名：空格与斜杠变为下划线，截掉第一个点之后的部分。
// 结果为空时返回空串。
func sanitizeName(hint string) string {
	name := nameReplacer.Replace(strings.TrimSpace(hint))
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}
	return name
}

// randomName 返回 8 位字母数字的随机名。
func randomName() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// chooseName 依次尝试每个提示，都不可用时生成随机名。
func chooseName(hints ...string) string {
	for _, h := range hints {
		if n := sanitizeName(h); n != "" {
			return n
		}
	}
	return randomName()
}

// createUnique 在 dir 下独占创建 <name>.yaml，冲突时依次尝试 <name>_1.yaml ... <name>_128.yaml。
// 已有文件永远不会被覆盖。
func createUnique(dir, name string) (*os.File, string, error) {
	for i := 0; i <= maxNameAttempts; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s_%d", name, i)
		}
		p := filepath.Join(dir, candidate+profileExt)
		f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			return f, p, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", apperr.Wrap(apperr.IO, err, "create %s", p)
		}
	}
	return nil, "", apperr.New(apperr.IO, "cannot find a new name for %q", name)
}
