package sandbox

// System-authored python programs executed in the child interpreter. Each one
// starts with the hardening preamble: best-effort rlimits, a blocked socket
// constructor, and the two test-only delay checkpoints consumed between work
// phases.

const snippetPreamble = `import json, os, resource, socket, time

def _rlimit(name, soft, hard=None):
    try:
        resource.setrlimit(getattr(resource, name), (soft, hard if hard is not None else soft))
    except Exception:
        pass

_rlimit('RLIMIT_AS', %d * 1024 * 1024)
_rlimit('RLIMIT_CPU', %d)
_rlimit('RLIMIT_NOFILE', 64)
_rlimit('RLIMIT_NPROC', 64)
_rlimit('RLIMIT_STACK', 8 * 1024 * 1024)

def _blocked_socket(*args, **kwargs):
    raise RuntimeError('network disabled in sandbox')

socket.socket = _blocked_socket

def _test_delay(name):
    try:
        ms = int(os.environ.get(name, '0') or '0')
    except ValueError:
        ms = 0
    if ms > 0:
        time.sleep(ms / 1000.0)
`

// templateSnippet echoes the pre-rendered template payload through the
// sandbox so cancellation, timeout and environment scrubbing all apply.
const templateSnippet = `
_test_delay('AUTOEDA_SB_TEST_DELAY_MS')
with open('payload.json', 'r', encoding='utf-8') as f:
    doc = json.load(f)
_test_delay('AUTOEDA_SB_TEST_DELAY2_MS')
print(json.dumps(doc, ensure_ascii=False))
`

// generatedChartSnippet reads the dataset CSV named in in.json (when
// present), keeps at most 200 rows of the first numeric column and emits a
// vega spec built from the real values, alongside an SVG preview.
const generatedChartSnippet = `
import csv

_test_delay('AUTOEDA_SB_TEST_DELAY_MS')

with open('in.json', 'r', encoding='utf-8') as f:
    ctx = json.load(f)

hint = ctx.get('hint') or 'bar'
mark = hint if hint in ('bar', 'line') else 'point'
dataset_path = ctx.get('dataset_path') or ''

values = []
if dataset_path and os.path.exists(dataset_path):
    with open(dataset_path, 'r', encoding='utf-8', errors='ignore', newline='') as f:
        reader = csv.DictReader(f)
        col = None
        for row in reader:
            if col is None:
                for name, raw in row.items():
                    try:
                        float(raw)
                        col = name
                        break
                    except (TypeError, ValueError):
                        continue
                if col is None:
                    break
            try:
                values.append(float(row.get(col) or ''))
            except (TypeError, ValueError):
                continue
            if len(values) >= 200:
                break
if not values:
    values = [1.0, 3.0, 2.0, 5.0, 4.0]

_test_delay('AUTOEDA_SB_TEST_DELAY2_MS')

data = [{'x': i, 'y': v} for i, v in enumerate(values)]
spec = {
    '$schema': 'https://vega.github.io/schema/vega-lite/v5.json',
    'mark': mark,
    'data': {'name': 'data'},
    'encoding': {
        'x': {'field': 'x', 'type': 'quantitative'},
        'y': {'field': 'y', 'type': 'quantitative'},
    },
    'datasets': {'data': data},
    'description': 'generated %s chart' % hint,
}

svg = (
    '<svg xmlns="http://www.w3.org/2000/svg" width="360" height="120" viewBox="0 0 360 120">'
    '<text x="10" y="16" font-size="12" fill="#0f172a">%s (generated, n=%d)</text></svg>'
    % (hint, len(values))
)

doc = {
    'language': 'python',
    'library': 'vega',
    'seed': ctx.get('seed'),
    'meta': {'dataset_id': ctx.get('dataset_id'), 'hint': hint, 'engine': 'generated', 'rows': len(values)},
    'outputs': [
        {'type': 'image', 'mime': 'image/svg+xml', 'content': svg},
        {'type': 'vega', 'mime': 'application/json', 'content': spec},
    ],
}
print(json.dumps(doc, ensure_ascii=False))
`

// userCodeHeader binds dataset_path before the user snippet runs; the
// snippet is expected to print its own result JSON.
const userCodeHeader = `
with open('in.json', 'r', encoding='utf-8') as _f:
    _ctx = json.load(_f)
dataset_path = _ctx.get('dataset_path') or ''
_test_delay('AUTOEDA_SB_TEST_DELAY_MS')
`
