package sitemap

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseIndexWithNamespace(t *testing.T) {
	t.Parallel()

	body := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc> https://shop.example/a.xml </loc><lastmod>2024-01-01</lastmod></sitemap>
  <sitemap><loc>https://shop.example/b.xml.gz</loc></sitemap>
</sitemapindex>`)

	node, err := Parse("https://shop.example/index.xml", body)
	require.NoError(t, err)
	require.Equal(t, KindIndex, node.Kind)
	require.Equal(t, []string{"https://shop.example/a.xml", "https://shop.example/b.xml.gz"}, node.Locs)
}

func TestParseURLSetIgnoresImageLocs(t *testing.T) {
	t.Parallel()

	body := []byte(`<?xml version="1.0"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9"
        xmlns:image="http://www.google.com/schemas/sitemap-image/1.1">
  <url>
    <loc>https://shop.example/product/1</loc>
    <image:image><image:loc>https://cdn.example/1.jpg</image:loc></image:image>
  </url>
  <url><loc></loc></url>
</urlset>`)

	node, err := Parse("https://shop.example/s.xml", body)
	require.NoError(t, err)
	require.Equal(t, KindURLSet, node.Kind)
	require.Equal(t, []string{"https://shop.example/product/1"}, node.Locs)
}

func TestParseWithoutNamespace(t *testing.T) {
	t.Parallel()

	node, err := Parse("u", []byte(`<urlset><url><loc>https://shop.example/shop/x</loc></url></urlset>`))
	require.NoError(t, err)
	require.Equal(t, KindURLSet, node.Kind)
	require.Equal(t, []string{"https://shop.example/shop/x"}, node.Locs)
}

func TestParseUnknownRootIsURLSet(t *testing.T) {
	t.Parallel()

	node, err := Parse("u", []byte(`<feed><entry/></feed>`))
	require.NoError(t, err)
	require.Equal(t, KindURLSet, node.Kind)
	require.Empty(t, node.Locs)
}

func TestParseEmptyDocument(t *testing.T) {
	t.Parallel()

	_, err := Parse("u", []byte("   "))
	require.Error(t, err)
}

func TestLooksLikeXML(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		contentType string
		body        string
		want        bool
	}{
		{name: "content type", contentType: "application/xml; charset=utf-8", body: "anything", want: true},
		{name: "declaration", contentType: "text/plain", body: "\n  <?xml version=\"1.0\"?><urlset/>", want: true},
		{name: "bom", body: "\xef\xbb\xbf<?xml version=\"1.0\"?>", want: true},
		{name: "bare index", body: "<sitemapindex></sitemapindex>", want: true},
		{name: "html", contentType: "text/html", body: "<html></html>", want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, LooksLikeXML(tc.contentType, []byte(tc.body)))
		})
	}
}

func TestParseRobots(t *testing.T) {
	t.Parallel()

	body := []byte("User-agent: *\nDisallow: /cart\n\nSitemap: https://shop.example/a.xml\nsitemap: https://shop.example/a.xml\nSitemap: /relative.xml\n")
	robots := parseRobots(http.StatusOK, body, "catalog-bot")
	require.Equal(t, []string{"https://shop.example/a.xml"}, robots.sitemaps)
	require.False(t, robots.allowed("https://shop.example/cart/1"))
	require.True(t, robots.allowed("https://shop.example/product/1"))
}

func TestParseRobotsNon2xx(t *testing.T) {
	t.Parallel()

	robots := parseRobots(http.StatusNotFound, []byte("Sitemap: https://shop.example/a.xml"), "")
	require.Empty(t, robots.sitemaps)
	require.True(t, robots.allowed("https://shop.example/anything"))
}

func TestStripGz(t *testing.T) {
	t.Parallel()

	require.Equal(t, "https://x/s.xml", stripGz("https://x/s.xml.gz"))
	require.Equal(t, "https://x/s.xml", stripGz("https://x/s.xml"))
}
