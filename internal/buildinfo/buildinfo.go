// Package buildinfo carries version identifiers stamped in at link time.
package buildinfo

var (
    Version = "dev"
    Commit  = ""
    BuiltAt = ""
)

func Info() map[string]string {
    return map[string]string{
        "version":  Version,
        "commit":   Commit,
        "built_at": BuiltAt,
    }
}
