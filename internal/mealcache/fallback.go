package mealcache

import "net/http"

// offlineHTML renders with zero cache and zero network: inline styles, no
// external resources, and a reload button as the only way out.
const offlineHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Meal Manager - Offline</title>
<style>
* { margin: 0; padding: 0; box-sizing: border-box; }
body {
  font-family: system-ui, -apple-system, sans-serif;
  background: linear-gradient(135deg, #667eea 0%, #764ba2 100%);
  color: white;
  display: flex;
  flex-direction: column;
  align-items: center;
  justify-content: center;
  min-height: 100vh;
  padding: 20px;
}
.container {
  text-align: center;
  max-width: 400px;
  background: rgba(255,255,255,0.1);
  padding: 40px;
  border-radius: 20px;
  box-shadow: 0 8px 32px rgba(0,0,0,0.3);
}
h1 { font-size: 2.5em; margin-bottom: 20px; }
.icon { font-size: 4em; margin-bottom: 20px; opacity: 0.8; }
p { font-size: 1.2em; margin-bottom: 30px; line-height: 1.6; opacity: 0.9; }
button {
  background: rgba(255,255,255,0.2);
  color: white;
  border: 2px solid rgba(255,255,255,0.3);
  padding: 15px 30px;
  border-radius: 50px;
  font-size: 1.1em;
  cursor: pointer;
}
button:hover { background: rgba(255,255,255,0.3); }
.status {
  margin-top: 20px;
  padding: 10px 20px;
  background: rgba(255,193,7,0.2);
  border-radius: 25px;
  font-size: 0.9em;
  border: 1px solid rgba(255,193,7,0.3);
}
</style>
</head>
<body>
<div class="container">
  <div class="icon">&#127869;</div>
  <h1>Meal Manager</h1>
  <p>You are offline. The app is ready to use once it loads again.</p>
  <button onclick="window.location.reload()">Reload</button>
  <div class="status">Your meals are stored locally on this device</div>
</div>
</body>
</html>
`

// offlinePage synthesizes the navigation fallback document.
func offlinePage() *ResponseDescriptor {
	h := make(http.Header)
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	return &ResponseDescriptor{
		Status: http.StatusOK,
		Type:   TypeBasic,
		Header: h,
		Body:   []byte(offlineHTML),
		Source: SourceFallback,
	}
}
