package cdpilot

// Injection constants. The helper global and init-script class are part of
// the page-side contract: selector resolution calls into them by name.
const (
	piercerGlobal   = "__stagehandV3__"
	initScriptClass = "__stagehand_init__"
	cursorGlobal    = "__cdpilotCursor__"
)

// piercerJS establishes the page-side helper. It patches attachShadow to
// capture closed shadow roots at creation time, re-scans declarative shadow
// DOM, and provides deep XPath/CSS/text resolution used by the locator.
const piercerJS = `(() => {
  if (window.` + piercerGlobal + `) return;

  const closedRoots = new WeakMap();

  const origAttachShadow = Element.prototype.attachShadow;
  Element.prototype.attachShadow = function (init) {
    const root = origAttachShadow.call(this, init);
    if (init && init.mode === 'closed') {
      closedRoots.set(this, root);
    }
    return root;
  };

  const getClosedRoot = (host) => closedRoots.get(host) || null;

  const shadowOf = (el) => el.shadowRoot || getClosedRoot(el);

  // Capture closed roots that attached before this script ran, reachable
  // through declarative shadow DOM internals.
  const rescan = (scope) => {
    const walker = (scope || document).querySelectorAll('*');
    for (const el of walker) {
      if (!closedRoots.has(el) && el.shadowRoot === null) {
        const internals = el.attachInternals ? (() => {
          try { return el.attachInternals(); } catch { return null; }
        })() : null;
        if (internals && internals.shadowRoot) {
          closedRoots.set(el, internals.shadowRoot);
        }
      }
    }
  };

  const SKIP = new Set(['SCRIPT', 'STYLE', 'HEAD', 'META', 'LINK', 'NOSCRIPT', 'TEMPLATE']);

  // childScopes lists the roots to descend into from node: element children
  // plus any open or captured-closed shadow root.
  const childScopes = (node) => {
    const out = [];
    if (node instanceof Element) {
      const sr = shadowOf(node);
      if (sr) out.push(sr);
    }
    out.push(node);
    return out;
  };

  const parseStep = (step) => {
    const m = step.match(/^([^\[]+)(?:\[(\d+)\])?$/);
    if (!m) return null;
    return { name: m[1], index: m[2] ? parseInt(m[2], 10) : null };
  };

  // resolveSimpleXPath walks /, //, tag[n] and * steps, piercing open and
  // captured-closed shadow roots at every descent.
  const resolveSimpleXPath = (xp) => {
    const tokens = xp.match(/\/\/?[^\/]+/g);
    if (!tokens) return null;
    let contexts = [document];
    for (const token of tokens) {
      const deep = token.startsWith('//');
      const step = parseStep(token.slice(deep ? 2 : 1));
      if (!step) return null;
      const next = [];
      for (const ctx of contexts) {
        const found = [];
        collectStep(ctx, step.name, deep, found);
        if (step.index !== null) {
          if (found.length >= step.index) next.push(found[step.index - 1]);
        } else {
          next.push(...found);
        }
      }
      if (next.length === 0) return null;
      contexts = next;
    }
    return contexts[0] instanceof Element ? contexts[0] : null;
  };

  const matchesName = (el, name) =>
    name === '*' || el.localName === name.toLowerCase();

  const collectStep = (ctx, name, deep, out) => {
    const roots = [];
    if (ctx instanceof Element) {
      const sr = shadowOf(ctx);
      if (sr) roots.push(sr);
    }
    roots.push(ctx);
    for (const root of roots) {
      for (const child of root.children || []) {
        if (matchesName(child, name)) out.push(child);
        if (deep) collectStep(child, name, true, out);
      }
    }
  };

  // queryDeepAll runs querySelectorAll in document order across every open
  // and captured-closed shadow root.
  const queryDeepAll = (selector, scope) => {
    const out = [];
    const visit = (root) => {
      let hits;
      try { hits = root.querySelectorAll(selector); } catch { return; }
      out.push(...hits);
      const all = root.querySelectorAll('*');
      for (const el of all) {
        const sr = shadowOf(el);
        if (sr) visit(sr);
      }
    };
    visit(scope || document);
    return out;
  };

  const queryDeepFirst = (selector, scope) => {
    const all = queryDeepAll(selector, scope);
    return all.length ? all[0] : null;
  };

  // textDeepSearch returns the innermost element whose visible text contains
  // the query; when every match contains the next, the last match wins.
  const textDeepSearch = (query) => {
    const matches = [];
    const visit = (root) => {
      for (const el of root.querySelectorAll('*')) {
        if (SKIP.has(el.tagName)) continue;
        if ((el.textContent || '').includes(query)) matches.push(el);
        const sr = shadowOf(el);
        if (sr) visit(sr);
      }
    };
    visit(document);
    if (matches.length === 0) return null;
    const inner = matches.filter((el) => !matches.some((other) => other !== el && el.contains(other)));
    return inner.length ? inner[inner.length - 1] : matches[matches.length - 1];
  };

  window.` + piercerGlobal + ` = {
    getClosedRoot,
    resolveSimpleXPath,
    queryDeepAll,
    queryDeepFirst,
    textDeepSearch,
    rescan,
  };
  rescan();

  const self = document.currentScript;
  if (self && self.classList.contains('` + initScriptClass + `')) {
    self.remove();
  }
})();`

// cursorJS installs the optional visual cursor overlay. Moves requested
// before the overlay attaches are buffered and replayed.
const cursorJS = `(() => {
  if (window.` + cursorGlobal + `) return;

  let dot = null;
  const pending = [];

  const ensure = () => {
    if (dot || !document.documentElement) return;
    dot = document.createElement('div');
    dot.style.cssText =
      'position:fixed;z-index:2147483647;pointer-events:none;width:18px;height:18px;' +
      'margin:-3px 0 0 -3px;transition:transform 40ms linear;top:0;left:0;';
    dot.innerHTML =
      '<svg viewBox="0 0 18 18" width="18" height="18">' +
      '<path d="M2 1 L16 9 L9 10.5 L6.5 17 Z" fill="black" stroke="white" stroke-width="1.2"/></svg>';
    document.documentElement.appendChild(dot);
    for (const [x, y] of pending.splice(0)) move(x, y);
  };

  const move = (x, y) => {
    ensure();
    if (!dot) { pending.push([x, y]); return; }
    dot.style.transform = 'translate(' + x + 'px,' + y + 'px)';
  };

  if (document.readyState === 'loading') {
    document.addEventListener('DOMContentLoaded', ensure, { once: true });
  } else {
    ensure();
  }

  window.` + cursorGlobal + ` = { move };
})();`
