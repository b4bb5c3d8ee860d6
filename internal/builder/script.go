package builder

import (
	"strings"

	"golang.org/x/xerrors"

	"github.com/maleadt/manyjulias"
)

// buildScript runs inside the sandbox with /source and /install bound
// read-write. It works around three classes of historic breakage: gfortran
// version probes, rotted upstream checksums, and the doc build (which
// wants network access and contributes nothing to the archive).
const buildScript = `set -ue

mkdir -p /tmp/bin
cat > /tmp/bin/gfortran <<'EOF'
#!/bin/sh
echo "GNU Fortran (GCC) 9.1.0"
EOF
chmod +x /tmp/bin/gfortran
export PATH=/tmp/bin:$PATH

cd /source

if [ -f deps/tools/jlchecksum ]; then
    sed -i.orig 's/exit 2$/exit 0/' deps/tools/jlchecksum
fi

echo "default:" > doc/Makefile
mkdir -p doc/_build/html

make -j${nproc} binary-dist
mv julia-*/* /install/
`

// srccacheScript populates /source/deps/srccache from upstream, reusing
// whatever the shared cache already provided.
const srccacheScript = `set -ue
cd /source
make -C deps getall NO_GIT=1
`

// makeUser renders the Make.user dropped into the source tree. The
// -f{function,data}-sections flags maximize inter-commit binary
// similarity, which the pack-level delta compression depends on.
func makeUser(asserts bool) (string, error) {
	cpuTarget := manyjulias.CPUTarget()
	if cpuTarget == "" {
		return "", xerrors.Errorf("no JULIA_CPU_TARGET known for %s", manyjulias.Machine())
	}
	lines := []string{
		"JULIA_CPU_TARGET=" + cpuTarget,
		"CFLAGS=-ffunction-sections -fdata-sections",
		"CXXFLAGS=-ffunction-sections -fdata-sections",
	}
	if asserts {
		lines = append(lines,
			"FORCE_ASSERTIONS=1",
			"LLVM_ASSERTIONS=1")
	}
	return strings.Join(lines, "\n") + "\n", nil
}
