/*
Package artifact stores capture outputs on the filesystem and diffs them.

Layout is deterministic:

	<root>/<device_slug>/<yyyymmdd_HHMMSS>_<command_slug>.txt

device_slug is the operator alias, or the IP with ':' replaced; the command
slug replaces spaces and hyphens with underscores. With compression on the
canonical extension becomes .txt.gz. A sibling .diff is written when a
prior successful capture exists and differs.

Writes are atomic: temp sibling, fsync, rename. The recorded SHA-256 is
always over the uncompressed content, so integrity checks survive the
compression setting changing between captures.

Reads fall back through UTF-8, GBK and latin-1; writes are always UTF-8.

Compare produces a unified diff report with hunk structure and summary
counts, guarded to 1 MiB per file, 10,000 input lines and 5,000 emitted
lines. QuickCompare skips the diff entirely and reports the line-count
delta of the latest two captures.
*/
package artifact
