package elasticsearch

const indexMapping = `{
  "settings": {
    "number_of_shards": 1,
    "analysis": {
      "analyzer": {
        "dataset_text": {
          "type": "custom",
          "tokenizer": "standard",
          "filter": ["lowercase"]
        }
      }
    }
  },
  "mappings": {
    "dynamic": "strict",
    "properties": {
      "id":            { "type": "long" },
      "title":         { "type": "text", "analyzer": "dataset_text", "fields": { "raw": { "type": "keyword" } } },
      "description":   { "type": "text", "analyzer": "dataset_text" },
      "analysisGuide": { "type": "text", "analyzer": "dataset_text" },
      "keywords":      { "type": "keyword" },
      "topic":         { "type": "keyword" },
      "dataSource":    { "type": "keyword" },
      "dataType":      { "type": "keyword" },
      "username":      { "type": "keyword" },
      "userId":        { "type": "long" },
      "startDate":     { "type": "date" },
      "endDate":       { "type": "date" },
      "thumbnailUrl":  { "type": "keyword", "index": false },
      "sizeBytes":     { "type": "long" },
      "downloadCount": { "type": "integer" },
      "rowCount":      { "type": "integer" },
      "columnCount":   { "type": "integer" },
      "previewJson":   { "type": "text", "index": false },
      "hasMetadata":   { "type": "boolean" },
      "isDeleted":     { "type": "boolean" },
      "createdAt":     { "type": "date" },
      "indexedAt":     { "type": "date" }
    }
  }
}`
