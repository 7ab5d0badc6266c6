package migrations

import (
	"embed"
	"io/fs"
	"sort"
	"strings"
)

// Files 暴露所有 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS

// List 返回 fsys 根目录下按版本升序排列的迁移文件名。
func List(fsys fs.FS) ([]string, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, err
	}
	sort.SliceStable(names, func(i, j int) bool { return Version(names[i]) < Version(names[j]) })
	return names, nil
}

// Version 取文件名中第一个下划线或点之前的部分，如 0001_init.sql -> 0001。
func Version(name string) string {
	if i := strings.IndexAny(name, "_."); i > 0 {
		return name[:i]
	}
	return name
}
