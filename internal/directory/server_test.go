package directory

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// setupTestServer はテスト用のユーザーディレクトリサーバーをインメモリSQLiteで構築する。
func setupTestServer(t *testing.T) (*Server, *gin.Engine) {
	t.Helper()

	db, err := openDB(":memory:")
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	router := gin.New()
	s := &Server{
		router: router,
		port:   "0",
		db:     db,
	}
	s.setupRoutes()

	return s, router
}

// doRequest はテスト用のHTTPリクエストを実行し、レスポンスを返すヘルパー関数。
func doRequest(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var reqBody *bytes.Reader
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewReader(jsonBytes)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// parseJSON はレスポンスボディをmapにデコードするヘルパー関数。
func parseJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var result map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("JSONのデコードに失敗: %v, body=%s", err, w.Body.String())
	}
	return result
}

// parseJSONArray はレスポンスボディをスライスにデコードするヘルパー関数。
func parseJSONArray(t *testing.T, w *httptest.ResponseRecorder) []map[string]any {
	t.Helper()
	var result []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("JSON配列のデコードに失敗: %v, body=%s", err, w.Body.String())
	}
	return result
}

// TestHealthCheck はヘルスチェックエンドポイントの正常動作を検証する。
func TestHealthCheck(t *testing.T) {
	t.Parallel()

	_, router := setupTestServer(t)

	w := doRequest(router, http.MethodGet, "/health", nil)

	if w.Code != http.StatusOK {
		t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}
	if parseJSON(t, w)["service"] != "directory" {
		t.Errorf("service: got %v, want directory", parseJSON(t, w)["service"])
	}
}

// TestHandleRegister はユーザー登録ハンドラのテスト。
func TestHandleRegister(t *testing.T) {
	t.Parallel()

	t.Run("ユーザーを登録できる", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		w := doRequest(router, http.MethodPost, "/api/v1/users", map[string]any{
			"id":    "user-1",
			"name":  "一郎",
			"email": "ichiro@example.com",
		})

		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusCreated, w.Body.String())
		}

		result := parseJSON(t, w)
		if result["id"] != "user-1" {
			t.Errorf("id: got %v, want user-1", result["id"])
		}
		if result["name"] != "一郎" {
			t.Errorf("name: got %v, want 一郎", result["name"])
		}
	})

	t.Run("ID省略時はUUIDが採番される", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		w := doRequest(router, http.MethodPost, "/api/v1/users", map[string]any{
			"name":  "名無し",
			"email": "anon@example.com",
		})

		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusCreated, w.Body.String())
		}
		if parseJSON(t, w)["id"] == "" {
			t.Error("採番されたIDが空になっている")
		}
	})

	t.Run("必須フィールドが無い場合は400を返す", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		w := doRequest(router, http.MethodPost, "/api/v1/users", map[string]any{
			"name": "メール無し",
		})

		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("メールアドレスの重複は登録できない", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		body := map[string]any{"name": "一郎", "email": "dup@example.com"}
		if w := doRequest(router, http.MethodPost, "/api/v1/users", body); w.Code != http.StatusCreated {
			t.Fatalf("1人目の登録に失敗: %d", w.Code)
		}

		w := doRequest(router, http.MethodPost, "/api/v1/users", body)
		if w.Code != http.StatusInternalServerError {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusInternalServerError)
		}
	})
}

// TestHandleListUsers はユーザー一覧取得ハンドラのテスト。
func TestHandleListUsers(t *testing.T) {
	t.Parallel()

	t.Run("ユーザーが存在しない場合は空配列を返す", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		w := doRequest(router, http.MethodGet, "/api/v1/users", nil)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		if len(parseJSONArray(t, w)) != 0 {
			t.Error("空配列が返るべき")
		}
	})

	t.Run("登録順で全ユーザーを返す", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		for i, u := range []map[string]any{
			{"id": "user-1", "name": "一郎", "email": "ichiro@example.com"},
			{"id": "user-2", "name": "二郎", "email": "jiro@example.com"},
			{"id": "user-3", "name": "三郎", "email": "saburo@example.com"},
		} {
			if w := doRequest(router, http.MethodPost, "/api/v1/users", u); w.Code != http.StatusCreated {
				t.Fatalf("%d人目の登録に失敗: %d", i+1, w.Code)
			}
		}

		w := doRequest(router, http.MethodGet, "/api/v1/users", nil)

		result := parseJSONArray(t, w)
		if len(result) != 3 {
			t.Fatalf("ユーザー数: got %d, want 3", len(result))
		}
		for i, id := range []string{"user-1", "user-2", "user-3"} {
			if result[i]["id"] != id {
				t.Errorf("順序[%d]: got %v, want %s", i, result[i]["id"], id)
			}
		}
	})
}

// TestHandleGetUser はユーザー取得ハンドラのテスト。
func TestHandleGetUser(t *testing.T) {
	t.Parallel()

	t.Run("登録済みユーザーを取得できる", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		doRequest(router, http.MethodPost, "/api/v1/users", map[string]any{
			"id": "user-1", "name": "一郎", "email": "ichiro@example.com",
		})

		w := doRequest(router, http.MethodGet, "/api/v1/users/user-1", nil)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		if parseJSON(t, w)["email"] != "ichiro@example.com" {
			t.Errorf("email: got %v, want ichiro@example.com", parseJSON(t, w)["email"])
		}
	})

	t.Run("存在しないユーザーは404を返す", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		w := doRequest(router, http.MethodGet, "/api/v1/users/unknown", nil)

		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
		}
	})
}
