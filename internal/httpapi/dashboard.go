package httpapi

import "net/http"

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>RelayMsg Device Console</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
      padding: 20px;
    }
    .shell { max-width: 900px; margin: 0 auto; display: grid; gap: 14px; }
    .bar, .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 16px;
    }
    h1 { margin: 0; font-size: 1.4rem; }
    .muted { color: var(--muted); font-size: 0.85rem; }
    .counts { display: flex; gap: 18px; margin-top: 8px; }
    .counts b { font-size: 1.3rem; }
    .row { display: flex; justify-content: space-between; gap: 10px; padding: 8px 0; border-bottom: 1px solid var(--line); }
    .row:last-child { border-bottom: none; }
    .unread { color: var(--accent); font-weight: 600; }
    input {
      width: 100%; padding: 8px; border: 1px solid var(--line); border-radius: 8px;
      font: inherit; background: var(--paper);
    }
    button {
      padding: 8px 14px; border: none; border-radius: 8px; font: inherit;
      background: var(--accent); color: #fff; cursor: pointer;
    }
    .error { color: var(--danger); }
  </style>
</head>
<body>
  <div class="shell">
    <div class="bar">
      <h1>RelayMsg Device Console</h1>
      <div class="muted">Durable outbox and sync status for this device.</div>
      <div style="margin-top:10px; display:flex; gap:8px;">
        <input id="token" type="password" placeholder="API token" />
        <button onclick="refresh()">Connect</button>
        <button onclick="triggerSync()">Sync now</button>
      </div>
      <div id="status" class="counts"></div>
      <div id="err" class="error"></div>
    </div>
    <div class="card">
      <h1 style="font-size:1.1rem;">Conversations</h1>
      <div id="conversations"></div>
    </div>
  </div>
  <script>
    async function api(path, opts) {
      const token = document.getElementById("token").value;
      const resp = await fetch(path, Object.assign({
        headers: { "Authorization": "Bearer " + token }
      }, opts || {}));
      if (!resp.ok) throw new Error((await resp.json()).message || resp.statusText);
      return resp.json();
    }
    async function refresh() {
      const err = document.getElementById("err");
      err.textContent = "";
      try {
        const status = await api("/v1/status");
        document.getElementById("status").innerHTML =
          "<div><b>" + status.undelivered + "</b><div class='muted'>pending</div></div>" +
          "<div><b>" + status.delivered + "</b><div class='muted'>delivered</div></div>";
        const data = await api("/v1/conversations");
        document.getElementById("conversations").innerHTML = data.conversations.map(c =>
          "<div class='row'><div><b>" + c.name + "</b><div class='muted'>" + c.preview + "</div></div>" +
          (c.unread > 0 ? "<div class='unread'>" + c.unread + "</div>" : "<div class='muted'>read</div>") +
          "</div>"
        ).join("") || "<div class='muted'>No conversations yet.</div>";
      } catch (e) {
        err.textContent = e.message;
      }
    }
    async function triggerSync() {
      const err = document.getElementById("err");
      err.textContent = "";
      try {
        await api("/v1/sync", { method: "POST" });
        setTimeout(refresh, 500);
      } catch (e) {
        err.textContent = e.message;
      }
    }
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(dashboardHTML))
}
