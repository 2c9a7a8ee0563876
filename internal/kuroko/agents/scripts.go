package agents

// The scripts run with sh -c inside the host. Every value they need is
// passed through the environment so no quoting of user input happens here.

const launchScript = `set -e
dir="$KUROKO_STATE_DIR/agents"
logs="$KUROKO_STATE_DIR/logs"
mkdir -p "$dir" "$logs" "$KUROKO_STATE_DIR/activity"
if [ -n "$KUROKO_AGENT_WORKDIR" ]; then
  mkdir -p "$KUROKO_AGENT_WORKDIR"
  cd "$KUROKO_AGENT_WORKDIR"
fi
if [ "$KUROKO_AGENT_TMUX" = "1" ] && command -v tmux >/dev/null 2>&1; then
  tmux new-session -d -s "$KUROKO_AGENT_SESSION" "$KUROKO_AGENT_COMMAND"
  tmux display-message -p -t "$KUROKO_AGENT_SESSION" '#{pane_pid}' > "$dir/$KUROKO_AGENT_NAME.pid"
elif command -v setsid >/dev/null 2>&1; then
  setsid nohup sh -c "$KUROKO_AGENT_COMMAND" > "$logs/$KUROKO_AGENT_NAME.log" 2>&1 < /dev/null &
  echo $! > "$dir/$KUROKO_AGENT_NAME.pid"
else
  set -m
  nohup sh -c "$KUROKO_AGENT_COMMAND" > "$logs/$KUROKO_AGENT_NAME.log" 2>&1 < /dev/null &
  echo $! > "$dir/$KUROKO_AGENT_NAME.pid"
fi
printf '{"time": %s000}\n' "$(date +%s)" > "$KUROKO_STATE_DIR/activity/agent_process"
cat "$dir/$KUROKO_AGENT_NAME.pid"
`

// probeScript prints "<name> <pid> <alive>" for every pid file.
const probeScript = `dir="$KUROKO_STATE_DIR/agents"
[ -d "$dir" ] || exit 0
for f in "$dir"/*.pid; do
  [ -e "$f" ] || continue
  name=$(basename "$f" .pid)
  pid=$(cat "$f" 2>/dev/null)
  state=0
  if [ -n "$pid" ] && kill -0 "$pid" 2>/dev/null; then
    state=1
    if [ -r "/proc/$pid/stat" ]; then
      s=$(sed 's/.*) //' "/proc/$pid/stat" | cut -d' ' -f1)
      [ "$s" = "Z" ] && state=0
    fi
  fi
  echo "$name $pid $state"
done
`

const killScript = `f="$KUROKO_STATE_DIR/agents/$KUROKO_AGENT_NAME.pid"
[ -e "$f" ] || exit 3
pid=$(cat "$f")
if [ "$KUROKO_AGENT_TMUX" = "1" ] && command -v tmux >/dev/null 2>&1; then
  tmux kill-session -t "$KUROKO_AGENT_SESSION" 2>/dev/null || true
fi
kill -TERM -"$pid" 2>/dev/null || kill -TERM "$pid" 2>/dev/null || true
i=0
while kill -0 "$pid" 2>/dev/null && [ $i -lt 50 ]; do
  sleep 0.1
  i=$((i+1))
done
kill -KILL -"$pid" 2>/dev/null || kill -KILL "$pid" 2>/dev/null || true
rm -f "$f"
`
